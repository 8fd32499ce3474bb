// Package targeting validates experiment targeting expressions before they
// are stored or published. Expressions use CEL syntax and may only refer to
// the attributes the target platform exposes to its clients.
package targeting

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"expflow/pkg/constraints"

	"github.com/google/cel-go/cel"
)

var ErrInvalidExpression = errors.New("invalid targeting expression")

var (
	envMu sync.Mutex
	envs  = map[constraints.Platform]*cel.Env{}
)

func platformVariables(p constraints.Platform) []cel.EnvOption {
	common := []cel.EnvOption{
		cel.Variable("locale", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("language", cel.StringType),
		cel.Variable("app_version", cel.StringType),
		cel.Variable("channel", cel.StringType),
	}
	switch p {
	case constraints.PlatformDesktop:
		return append(common,
			cel.Variable("os", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("profile_age_days", cel.IntType),
			cel.Variable("is_default_browser", cel.BoolType),
			cel.Variable("prefs", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("addons", cel.ListType(cel.StringType)),
		)
	case constraints.PlatformMobile:
		return append(common,
			cel.Variable("is_first_run", cel.BoolType),
			cel.Variable("days_since_install", cel.IntType),
			cel.Variable("android_sdk_version", cel.IntType),
			cel.Variable("device_model", cel.StringType),
		)
	default:
		return append(common,
			cel.Variable("user_agent", cel.StringType),
			cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		)
	}
}

func envFor(p constraints.Platform) (*cel.Env, error) {
	envMu.Lock()
	defer envMu.Unlock()
	if env, ok := envs[p]; ok {
		return env, nil
	}
	env, err := cel.NewEnv(platformVariables(p)...)
	if err != nil {
		return nil, err
	}
	envs[p] = env
	return env, nil
}

// Validate compiles expr against the application's platform attributes and
// checks that it evaluates to a boolean. An empty expression targets
// everyone and is always valid.
func Validate(app constraints.Application, expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	cfg, err := app.Config()
	if err != nil {
		return err
	}
	env, err := envFor(cfg.Platform)
	if err != nil {
		return fmt.Errorf("build targeting env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("%w: %s", ErrInvalidExpression, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return fmt.Errorf("%w: expression must be boolean, got %s", ErrInvalidExpression, ast.OutputType())
	}
	return nil
}
