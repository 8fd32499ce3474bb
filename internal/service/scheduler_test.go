package service

import (
	"context"
	"testing"
	"time"

	"expflow/internal/lifecycle"
	"expflow/internal/model"
	"expflow/internal/recordstore"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SkipsLeasedExperiments(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-a")
	h.toWaiting(t, "exp-b")

	held, err := h.sched.leaser.TryAcquire(context.Background(), "experiment/exp-a")
	require.NoError(t, err)

	require.NoError(t, h.sync.Approve(context.Background(), constraints.AppFenix))
	res, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, constraints.PublishWaiting, h.load(t, "exp-a").PublishStatus)
	assert.Equal(t, constraints.StatusLive, h.load(t, "exp-b").Status)

	require.NoError(t, held.Release(context.Background()))
	res, err = h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, constraints.StatusLive, h.load(t, "exp-a").Status)
}

func TestScheduler_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-broken")
	h.toWaiting(t, "exp-healthy")
	require.NoError(t, h.db.Model(&model.Experiment{}).Where("slug = ?", "exp-broken").Update("application", "netscape").Error)

	require.NoError(t, h.sync.Approve(context.Background(), constraints.AppFenix))
	res, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, constraints.StatusLive, h.load(t, "exp-healthy").Status)
}

func TestScheduler_RepushesUnrecordedPush(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(owner, createReq("exp-crashed"))
	require.NoError(t, err)
	for _, next := range []constraints.Status{constraints.StatusPreview, constraints.StatusLive} {
		_, err = h.svc.Apply(owner, "exp-crashed", lifecycle.Request{Action: lifecycle.ActionFor(next), StatusNext: next})
		require.NoError(t, err)
	}
	_, err = h.svc.Approve(reviewer, "exp-crashed", "")
	require.NoError(t, err)
	// the process died after marking Waiting and before pushing
	_, err = h.svc.Apply(system, "exp-crashed", lifecycle.Request{Action: lifecycle.ActionPublish})
	require.NoError(t, err)

	rec, err := h.sync.GetRecord(context.Background(), constraints.AppFenix, "exp-crashed")
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	e := h.load(t, "exp-crashed")
	assert.Equal(t, constraints.PublishWaiting, e.PublishStatus)
	assert.NotNil(t, e.PushedAt)
	rec, err = h.sync.GetRecord(context.Background(), constraints.AppFenix, "exp-crashed")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestScheduler_PushApproved(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(owner, createReq("exp-approved"))
	require.NoError(t, err)
	_, err = h.svc.Apply(owner, "exp-approved", lifecycle.Request{Action: lifecycle.ActionPreview})
	require.NoError(t, err)
	_, err = h.svc.Apply(owner, "exp-approved", lifecycle.Request{Action: lifecycle.ActionRequestReview, StatusNext: constraints.StatusLive})
	require.NoError(t, err)
	_, err = h.svc.Approve(reviewer, "exp-approved", "")
	require.NoError(t, err)

	res, err := h.sched.PushApproved(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, constraints.PublishWaiting, h.load(t, "exp-approved").PublishStatus)

	res, err = h.sched.PushApproved(system)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestScheduler_RunOnce(t *testing.T) {
	h := newHarness(t)
	h.launch(t, "exp-live")
	_, err := h.store.CreateRecord(context.Background(), constraints.DefaultRecordStoreBucket, "experiments-web", &v1.Record{ID: "stray"}, true)
	require.NoError(t, err)

	results := h.sched.RunOnce(system)
	require.Len(t, results, 4)
	jobs := make([]string, 0, len(results))
	for _, r := range results {
		jobs = append(jobs, r.Job)
		assert.Zero(t, r.Failed, r.Job)
	}
	assert.Equal(t, []string{JobCheckPendingReview, JobPushApproved, JobCheckLiveToEnd, JobOrphans}, jobs)
	assert.Equal(t, 2, results[3].Processed)
}

func TestScheduler_SeesExternalReviewDespiteCache(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-external")

	// prime the cache with the pending state
	pending, err := h.sync.HasPendingReview(context.Background(), constraints.AppFenix)
	require.NoError(t, err)
	require.True(t, pending)

	// the reviewer acts on the store directly
	comment := "wrong channel"
	require.NoError(t, h.store.PatchCollection(context.Background(), constraints.DefaultRecordStoreBucket, "experiments-mobile",
		recordstore.CollectionPatch{Status: constraints.CollectionWorkInProgress, LastReviewerComment: &comment}))

	res, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	e := h.load(t, "exp-external")
	assert.Equal(t, constraints.PublishDirty, e.PublishStatus)
	assert.Equal(t, comment, e.ReviewComment)
}

func TestScheduler_PushWaitsForRejectionToBeReconciled(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-a")
	require.NoError(t, h.sync.Reject(context.Background(), constraints.AppFenix, "needs fix"))

	h.toApproved(t, "exp-b")
	err := h.svc.PushExperiment(system, "exp-b")
	require.ErrorIs(t, err, ErrPushDeferred)
	assert.Equal(t, constraints.PublishApproved, h.load(t, "exp-b").PublishStatus)

	state, err := h.sync.ReviewState(context.Background(), constraints.AppFenix, true)
	require.NoError(t, err)
	assert.Equal(t, constraints.CollectionWorkInProgress, state.Status, "rejection left in place")

	// one pass consumes the rejection, then pushes the deferred experiment
	results := h.sched.RunOnce(system)
	require.Len(t, results, 4)
	a := h.load(t, "exp-a")
	assert.Equal(t, constraints.PublishDirty, a.PublishStatus)
	assert.Equal(t, "needs fix", a.ReviewComment)
	assert.Equal(t, constraints.PublishWaiting, h.load(t, "exp-b").PublishStatus)

	require.NoError(t, h.sync.Approve(context.Background(), constraints.AppFenix))
	_, err = h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, constraints.StatusLive, h.load(t, "exp-b").Status)
	a = h.load(t, "exp-a")
	assert.Equal(t, constraints.StatusReview, a.Status)
	assert.Equal(t, constraints.PublishDirty, a.PublishStatus)
}

func TestScheduler_PushedWhileReviewPendingJoinsTheReview(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-a")
	h.toWaiting(t, "exp-b")

	require.NoError(t, h.sync.Reject(context.Background(), constraints.AppFenix, "both wrong"))
	_, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	for _, slug := range []string{"exp-a", "exp-b"} {
		e := h.load(t, slug)
		assert.Equal(t, constraints.PublishDirty, e.PublishStatus, slug)
		assert.Equal(t, "both wrong", e.ReviewComment, slug)
	}
}

func TestScheduler_RollbackMarksDirty(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-a")
	h.toWaiting(t, "exp-b")

	require.NoError(t, h.sync.Rollback(context.Background(), constraints.AppFenix))
	res, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	for _, slug := range []string{"exp-a", "exp-b"} {
		e := h.load(t, slug)
		assert.Equal(t, constraints.StatusReview, e.Status, slug)
		assert.Equal(t, constraints.PublishDirty, e.PublishStatus, slug)
	}
}

func TestScheduler_UnknownCollectionStatusStaysPending(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t, "exp-a")

	require.NoError(t, h.store.PatchCollection(context.Background(), constraints.DefaultRecordStoreBucket, "experiments-mobile",
		recordstore.CollectionPatch{Status: "signed"}))
	res, err := h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, constraints.PublishWaiting, h.load(t, "exp-a").PublishStatus)

	h.sched.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = h.sched.CheckPendingReview(system)
	require.NoError(t, err)
	assert.Equal(t, constraints.PublishDirty, h.load(t, "exp-a").PublishStatus)
}
