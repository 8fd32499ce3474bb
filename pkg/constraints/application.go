package constraints

import "fmt"

type Application string

const (
	AppDesktop      Application = "firefox-desktop"
	AppFenix        Application = "fenix"
	AppIOS          Application = "ios"
	AppFocusAndroid Application = "focus-android"
	AppFocusIOS     Application = "focus-ios"
	AppKlarAndroid  Application = "klar-android"
	AppKlarIOS      Application = "klar-ios"
	AppMonitorWeb   Application = "monitor-web"
	AppVPNWeb       Application = "vpn-web"
)

type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
	PlatformWeb     Platform = "web"
)

// ApplicationConfig holds the per-application publication settings.
type ApplicationConfig struct {
	Slug              string
	Platform          Platform
	Collection        string
	RandomizationUnit string
}

var applications = map[Application]ApplicationConfig{
	AppDesktop:      {Slug: "desktop", Platform: PlatformDesktop, Collection: "experiments-desktop", RandomizationUnit: "normandy_id"},
	AppFenix:        {Slug: "fenix", Platform: PlatformMobile, Collection: "experiments-mobile", RandomizationUnit: "nimbus_id"},
	AppIOS:          {Slug: "ios", Platform: PlatformMobile, Collection: "experiments-mobile", RandomizationUnit: "nimbus_id"},
	AppFocusAndroid: {Slug: "focus-android", Platform: PlatformMobile, Collection: "experiments-mobile", RandomizationUnit: "nimbus_id"},
	AppFocusIOS:     {Slug: "focus-ios", Platform: PlatformMobile, Collection: "experiments-mobile", RandomizationUnit: "nimbus_id"},
	AppKlarAndroid:  {Slug: "klar-android", Platform: PlatformMobile, Collection: "experiments-mobile", RandomizationUnit: "nimbus_id"},
	AppKlarIOS:      {Slug: "klar-ios", Platform: PlatformMobile, Collection: "experiments-mobile", RandomizationUnit: "nimbus_id"},
	AppMonitorWeb:   {Slug: "monitor-web", Platform: PlatformWeb, Collection: "experiments-web", RandomizationUnit: "user_id"},
	AppVPNWeb:       {Slug: "vpn-web", Platform: PlatformWeb, Collection: "experiments-web", RandomizationUnit: "user_id"},
}

func (a Application) Config() (ApplicationConfig, error) {
	cfg, ok := applications[a]
	if !ok {
		return ApplicationConfig{}, fmt.Errorf("unknown application %q", string(a))
	}
	return cfg, nil
}

func (a Application) Valid() bool {
	_, ok := applications[a]
	return ok
}

// Applications returns every known application.
func Applications() []Application {
	out := make([]Application, 0, len(applications))
	for app := range applications {
		out = append(out, app)
	}
	return out
}

// BucketNamespace names the isolation group an experiment samples from,
// e.g. "desktop-default".
func BucketNamespace(app Application, targetingConfig string) string {
	cfg, err := app.Config()
	slug := string(app)
	if err == nil {
		slug = cfg.Slug
	}
	if targetingConfig == "" {
		targetingConfig = DefaultTargetingConfig
	}
	return slug + "-" + targetingConfig
}
