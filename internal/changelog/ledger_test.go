package changelog

import (
	"context"
	"testing"
	"time"

	"expflow/internal/model"
	"expflow/internal/repository"
	"expflow/internal/testutil"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test")
}

func newLedger(t *testing.T) (*Ledger, *gorm.DB) {
	db := testutil.OpenDB(t)
	l := NewLedger(repository.NewChangeLogRepository(db))
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l, db
}

func experiment() *model.Experiment {
	return &model.Experiment{
		ID:                1,
		Slug:              "pocket-sync",
		Application:       constraints.AppDesktop,
		Status:            constraints.StatusDraft,
		PublishStatus:     constraints.PublishIdle,
		PopulationPercent: 10,
		Branches: []model.Branch{
			{ID: 11, Slug: "control", Ratio: 1, FeatureValue: datatypes.JSON(`{"enabled":false}`)},
			{ID: 12, Slug: "treatment", Ratio: 1, FeatureValue: datatypes.JSON(`{"enabled":true}`)},
		},
	}
}

func TestRecord_FirstEntryAlwaysWritten(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	e := experiment()

	entry, err := l.Record(ctx, e, "alice", "created", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, constraints.StatusDraft, entry.NewStatus)
	assert.Empty(t, entry.OldStatus)

	again, err := l.Record(ctx, e, "alice", "saved", "")
	require.NoError(t, err)
	assert.Nil(t, again)

	history, err := l.History(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecord_IgnoresBookkeepingFields(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	e := experiment()

	_, err := l.Record(ctx, e, "alice", "created", "")
	require.NoError(t, err)

	e.UpdatedAt = time.Now()
	e.Branches[0].ID = 99
	entry, err := l.Record(ctx, e, "bob", "touched", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRecord_StatusChangeCarriesOldValues(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	e := experiment()

	_, err := l.Record(ctx, e, "alice", "created", "")
	require.NoError(t, err)

	e.Status = constraints.StatusReview
	e.PublishStatus = constraints.PublishReview
	e.StatusNext = constraints.StatusLive
	entry, err := l.Record(ctx, e, "alice", "review requested", "trace-1")
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, constraints.StatusDraft, entry.OldStatus)
	assert.Equal(t, constraints.StatusReview, entry.NewStatus)
	assert.Equal(t, constraints.PublishIdle, entry.OldPublishStatus)
	assert.Equal(t, constraints.PublishReview, entry.NewPublishStatus)
	assert.Equal(t, constraints.StatusLive, entry.NewStatusNext)
	assert.Equal(t, "trace-1", entry.TraceID)
}

func TestRecord_DataChangeWithoutStatusChange(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	e := experiment()

	_, err := l.Record(ctx, e, "alice", "created", "")
	require.NoError(t, err)

	e.PopulationPercent = 25
	entry, err := l.Record(ctx, e, "alice", "population", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, entry.OldStatus, entry.NewStatus)
}

func TestRecord_UnserializableSnapshot(t *testing.T) {
	l, _ := newLedger(t)
	e := experiment()
	e.Branches[1].FeatureValue = datatypes.JSON(`{not json`)

	_, err := l.Record(context.Background(), e, "alice", "broken", "")

	assert.ErrorIs(t, err, ErrPersistence)
}

func TestPrune_RemovesNoopEntries(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	e := experiment()

	_, err := l.Record(ctx, e, "alice", "created", "")
	require.NoError(t, err)

	// history written before the diff check existed
	data, err := Snapshot(e)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, db.Create(&model.ChangeLogEntry{
			ExperimentID:     e.ID,
			NewStatus:        e.Status,
			NewPublishStatus: e.PublishStatus,
			ChangedOn:        l.now(),
			ExperimentData:   data,
		}).Error)
	}

	e.PopulationPercent = 50
	_, err = l.Record(ctx, e, "alice", "population", "")
	require.NoError(t, err)

	deleted, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	history, err := l.History(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "created", history[0].Message)
	assert.Equal(t, "population", history[1].Message)
}

func TestPrune_KeepsSingleEntry(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, experiment(), "alice", "created", "")
	require.NoError(t, err)

	deleted, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
