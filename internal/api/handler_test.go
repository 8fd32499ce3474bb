package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"expflow/internal/bucket"
	"expflow/internal/dto/req"
	"expflow/internal/dto/resp"
	"expflow/internal/lease"
	"expflow/internal/lifecycle"
	"expflow/internal/model"
	"expflow/internal/recordstore"
	"expflow/internal/service"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
	gin.SetMode(gin.TestMode)
}

// fakeExperiments returns err from every call when set, otherwise a
// detail echoing the slug.
type fakeExperiments struct {
	err      error
	lastSlug string
	lastMsg  string
}

func (f *fakeExperiments) detail(slug string) (*resp.ExperimentDetail, error) {
	f.lastSlug = slug
	if f.err != nil {
		return nil, f.err
	}
	return &resp.ExperimentDetail{Experiment: &model.Experiment{Slug: slug}, AvailableActions: []string{}}, nil
}

func (f *fakeExperiments) Create(_ context.Context, r req.CreateExperimentReq) (*resp.ExperimentDetail, error) {
	return f.detail(r.Slug)
}
func (f *fakeExperiments) Update(_ context.Context, slug string, _ req.UpdateExperimentReq) (*resp.ExperimentDetail, error) {
	return f.detail(slug)
}
func (f *fakeExperiments) Get(_ context.Context, slug string) (*resp.ExperimentDetail, error) {
	return f.detail(slug)
}
func (f *fakeExperiments) List(context.Context, req.ListExperimentsReq) (*resp.ListExperimentsResp, error) {
	return &resp.ListExperimentsResp{Items: []resp.ExperimentItem{}}, f.err
}
func (f *fakeExperiments) History(_ context.Context, slug string) ([]resp.ChangeLogItem, error) {
	f.lastSlug = slug
	return []resp.ChangeLogItem{}, f.err
}
func (f *fakeExperiments) Transition(_ context.Context, slug string, r req.TransitionReq) (*resp.ExperimentDetail, error) {
	f.lastMsg = r.Message
	return f.detail(slug)
}
func (f *fakeExperiments) Approve(_ context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	f.lastMsg = message
	return f.detail(slug)
}
func (f *fakeExperiments) Reject(_ context.Context, slug, comment string) (*resp.ExperimentDetail, error) {
	f.lastMsg = comment
	return f.detail(slug)
}
func (f *fakeExperiments) Withdraw(_ context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	f.lastMsg = message
	return f.detail(slug)
}
func (f *fakeExperiments) RetryPublish(_ context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	f.lastMsg = message
	return f.detail(slug)
}
func (f *fakeExperiments) RollbackPublish(_ context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	f.lastMsg = message
	return f.detail(slug)
}
func (f *fakeExperiments) Archive(_ context.Context, slug string) (*resp.ExperimentDetail, error) {
	return f.detail(slug)
}
func (f *fakeExperiments) Unarchive(_ context.Context, slug string) (*resp.ExperimentDetail, error) {
	return f.detail(slug)
}
func (f *fakeExperiments) ReallocateBucket(_ context.Context, slug string) (*resp.ExperimentDetail, error) {
	return f.detail(slug)
}
func (f *fakeExperiments) Health(context.Context) error { return f.err }

type fakeRunner struct {
	pushErr error
	pushed  []string
}

func (f *fakeRunner) RunOnce(context.Context) []resp.TaskResp {
	return []resp.TaskResp{{Job: service.JobPushApproved}}
}
func (f *fakeRunner) CheckPendingReview(context.Context) (resp.TaskResp, error) {
	return resp.TaskResp{Job: service.JobCheckPendingReview, Processed: 2}, nil
}
func (f *fakeRunner) CheckLiveToComplete(context.Context) (resp.TaskResp, error) {
	return resp.TaskResp{Job: service.JobCheckLiveToEnd}, nil
}
func (f *fakeRunner) PushExperiment(_ context.Context, slug string) error {
	f.pushed = append(f.pushed, slug)
	return f.pushErr
}

type fakeReviewer struct {
	calls []string
	fresh []bool
}

func (f *fakeReviewer) ReviewState(_ context.Context, _ constraints.Application, fresh bool) (recordstore.Collection, error) {
	f.fresh = append(f.fresh, fresh)
	return recordstore.Collection{Status: constraints.CollectionToReview}, nil
}

func (f *fakeReviewer) Approve(_ context.Context, app constraints.Application) error {
	f.calls = append(f.calls, "approve:"+string(app))
	return nil
}
func (f *fakeReviewer) Reject(_ context.Context, app constraints.Application, comment string) error {
	f.calls = append(f.calls, "reject:"+string(app)+":"+comment)
	return nil
}
func (f *fakeReviewer) Rollback(_ context.Context, app constraints.Application) error {
	f.calls = append(f.calls, "rollback:"+string(app))
	return nil
}

type staticParser map[string]*service.UserClaims

func (p staticParser) ParseToken(token string) (*service.UserClaims, error) {
	if c, ok := p[token]; ok {
		return c, nil
	}
	return nil, service.ErrTokenInvalid
}

type staticKeys map[string]bool

func (k staticKeys) ValidateAPIKey(_ context.Context, key string) (bool, error) {
	return k[key], nil
}

type testServer struct {
	engine      *gin.Engine
	experiments *fakeExperiments
	runner      *fakeRunner
	reviewer    *fakeReviewer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ts := &testServer{experiments: &fakeExperiments{}, runner: &fakeRunner{}, reviewer: &fakeReviewer{}}
	ts.engine = RegisterRoutes(Handlers{
		Experiment: NewExperimentHandler(ts.experiments),
		Stream:     NewStreamHandler(service.NewHub(nil, 0, 16, 16)),
		Auth:       NewAuthHandler(nil),
		Task:       NewTaskHandler(ts.runner, ts.reviewer),
	}, staticParser{
		"owner":    {UserID: "alice", Username: "alice", Role: service.RoleOwner},
		"reviewer": {UserID: "bob", Username: "bob", Role: service.RoleReviewer},
	}, staticKeys{"runner-key": true}, rdb, RouterConfig{RequestsPerSecond: 100})
	return ts
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r, _ := http.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, r)
	return w
}

func (ts *testServer) task(path string) *httptest.ResponseRecorder {
	r, _ := http.NewRequest("POST", path, nil)
	r.Header.Set("X-Expflow-Key", "runner-key")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, r)
	return w
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{service.ErrExperimentNotFound, http.StatusNotFound},
		{service.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: bad slug", service.ErrInvalidExperiment), http.StatusBadRequest},
		{fmt.Errorf("%w: Draft -> Live", lifecycle.ErrInvalidTransition), http.StatusConflict},
		{service.ErrSlugTaken, http.StatusConflict},
		{service.ErrNotEditable, http.StatusConflict},
		{bucket.ErrAllocationConflict, http.StatusConflict},
		{fmt.Errorf("push: %w", recordstore.ErrTransient), http.StatusServiceUnavailable},
		{service.ErrMysqlUnhealthy, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(tc.err), tc.err.Error())
	}
}

func TestRoutes_RequireAuth(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/v1/experiments", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/v1/experiments", "forged", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do("GET", "/v1/experiments", "owner", nil).Code)
}

func TestRoutes_Experiments(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/v1/experiments", "owner", map[string]any{
		"slug": "bigger-button", "name": "Bigger button", "application": "fenix",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"slug":"bigger-button"`)

	// binding errors never reach the service
	w = ts.do("POST", "/v1/experiments", "owner", map[string]any{"slug": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/v1/experiments/bigger-button/transition", "owner", map[string]any{
		"status_next": "Live", "message": "ship it",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ship it", ts.experiments.lastMsg)

	// message body is optional
	w = ts.do("POST", "/v1/experiments/bigger-button/approve", "reviewer", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", ts.experiments.lastMsg)

	w = ts.do("POST", "/v1/experiments/bigger-button/reject", "reviewer", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do("POST", "/v1/experiments/bigger-button/reject", "reviewer", map[string]any{"comment": "typo"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "typo", ts.experiments.lastMsg)

	for _, action := range []string{"withdraw", "retry", "rollback", "archive", "unarchive", "reallocate"} {
		w = ts.do("POST", "/v1/experiments/bigger-button/"+action, "owner", nil)
		assert.Equal(t, http.StatusOK, w.Code, action)
	}
	assert.Equal(t, http.StatusOK, ts.do("GET", "/v1/experiments/bigger-button/history", "owner", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/v1/experiments?page_size=1000", "owner", nil).Code)
}

func TestRoutes_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	ts.experiments.err = fmt.Errorf("%w: Live -> Draft", lifecycle.ErrInvalidTransition)
	w := ts.do("POST", "/v1/experiments/x/transition", "owner", map[string]any{"status_next": "Draft"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid transition")

	ts.experiments.err = service.ErrExperimentNotFound
	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/v1/experiments/x", "owner", nil).Code)

	// internal errors are not leaked
	ts.experiments.err = errors.New("dsn password=hunter2")
	w = ts.do("GET", "/v1/experiments/x", "owner", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")

	assert.Equal(t, http.StatusServiceUnavailable, ts.do("GET", "/health", "", nil).Code)
}

func TestRoutes_Tasks(t *testing.T) {
	ts := newTestServer(t)

	// tasks need the service key, not a user token
	assert.Equal(t, http.StatusUnauthorized, ts.do("POST", "/v1/tasks/check-pending-review", "owner", nil).Code)

	w := ts.task("/v1/tasks/check-pending-review")
	require.Equal(t, http.StatusOK, w.Code)
	var res resp.TaskResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, service.JobCheckPendingReview, res.Job)
	assert.Equal(t, 2, res.Processed)

	assert.Equal(t, http.StatusOK, ts.task("/v1/tasks/check-live-to-complete").Code)
	assert.Equal(t, http.StatusOK, ts.task("/v1/tasks/run").Code)

	assert.Equal(t, http.StatusOK, ts.task("/v1/tasks/push/bigger-button").Code)
	ts.runner.pushErr = lease.ErrLeaseHeld
	assert.Equal(t, http.StatusAccepted, ts.task("/v1/tasks/push/bigger-button").Code)
	ts.runner.pushErr = fmt.Errorf("push: %w", service.ErrPushDeferred)
	assert.Equal(t, http.StatusAccepted, ts.task("/v1/tasks/push/bigger-button").Code)
	assert.Equal(t, []string{"bigger-button", "bigger-button", "bigger-button"}, ts.runner.pushed)
}

func TestRoutes_CollectionReview(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{"application": "fenix"}
	assert.Equal(t, http.StatusForbidden, ts.do("POST", "/v1/admin/collections/approve", "owner", body).Code)
	assert.Equal(t, http.StatusOK, ts.do("POST", "/v1/admin/collections/approve", "reviewer", body).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/v1/admin/collections/reject", "reviewer", body).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/v1/admin/collections/approve", "reviewer", map[string]any{"application": "netscape"}).Code)

	body["comment"] = "wrong targeting"
	assert.Equal(t, http.StatusOK, ts.do("POST", "/v1/admin/collections/reject", "reviewer", body).Code)
	assert.Equal(t, http.StatusOK, ts.do("POST", "/v1/admin/collections/rollback", "reviewer", body).Code)

	assert.Equal(t, []string{"approve:fenix", "reject:fenix:wrong targeting", "rollback:fenix"}, ts.reviewer.calls)
}

func TestRoutes_ReviewState(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("GET", "/v1/applications/fenix/review", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var col recordstore.Collection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &col))
	assert.Equal(t, constraints.CollectionToReview, col.Status)

	assert.Equal(t, http.StatusOK, ts.do("GET", "/v1/applications/fenix/review?fresh=true", "owner", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/v1/applications/netscape/review", "owner", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/v1/applications/fenix/review", "", nil).Code)
	assert.Equal(t, []bool{false, true}, ts.reviewer.fresh)
}
