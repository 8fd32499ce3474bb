// Package changelog keeps the append-only history of experiment mutations.
// Each entry carries a full snapshot; entries are only written when the
// snapshot differs from the previous one, and are never edited afterwards.
package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expflow/internal/model"
	"expflow/internal/repository"
	"expflow/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrPersistence = errors.New("changelog persistence failure")

type Ledger struct {
	repo repository.ChangeLogInterface
	now  func() time.Time
}

func NewLedger(repo repository.ChangeLogInterface) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{repo: l.repo.WithTx(tx).(repository.ChangeLogInterface), now: l.now}
}

// Record snapshots e and appends an entry if anything changed since the
// latest entry. It returns nil, nil for a no-op. The first entry for an
// experiment is always written.
func (l *Ledger) Record(ctx context.Context, e *model.Experiment, actor, message, traceID string) (*model.ChangeLogEntry, error) {
	data, err := Snapshot(e)
	if err != nil {
		return nil, err
	}

	prev, err := l.repo.Latest(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	entry := &model.ChangeLogEntry{
		ExperimentID:     e.ID,
		NewStatus:        e.Status,
		NewPublishStatus: e.PublishStatus,
		NewStatusNext:    e.StatusNext,
		ChangedBy:        actor,
		ChangedOn:        l.now().UTC(),
		Message:          message,
		ExperimentData:   data,
		TraceID:          traceID,
	}
	if prev != nil {
		same, err := sameSnapshot(prev.ExperimentData, data)
		if err != nil {
			return nil, err
		}
		if same {
			return nil, nil
		}
		entry.OldStatus = prev.NewStatus
		entry.OldPublishStatus = prev.NewPublishStatus
		entry.OldStatusNext = prev.NewStatusNext
	}

	if err := l.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) History(ctx context.Context, experimentID uint64) ([]model.ChangeLogEntry, error) {
	return l.repo.ListByExperiment(ctx, experimentID)
}

// Prune deletes entries whose status fields and snapshot equal their
// predecessor's. The first entry of every experiment is kept.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	ids, err := l.repo.ExperimentIDs(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, id := range ids {
		entries, err := l.repo.ListByExperiment(ctx, id)
		if err != nil {
			return deleted, err
		}
		var noop []int64
		for i := 1; i < len(entries); i++ {
			kept := entries[i-1]
			same, err := sameSnapshot(kept.ExperimentData, entries[i].ExperimentData)
			if err != nil {
				logger.Warn("skipping unreadable changelog entry", zap.Int64("id", entries[i].ID), zap.Error(err))
				continue
			}
			if same && sameStatus(kept, entries[i]) {
				noop = append(noop, entries[i].ID)
				entries[i] = kept
			}
		}
		n, err := l.repo.DeleteByIDs(ctx, noop)
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n > 0 {
			logger.Info("pruned changelog", zap.Uint64("experiment_id", id), zap.Int64("deleted", n))
		}
	}
	return deleted, nil
}

// Snapshot serializes every field of e except bookkeeping timestamps and
// row ids, so that equal content always produces equal JSON.
func Snapshot(e *model.Experiment) ([]byte, error) {
	c := *e
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	c.PublishStartedAt = normalize(c.PublishStartedAt)
	c.PushedAt = normalize(c.PushedAt)
	c.StartDate = normalize(c.StartDate)
	c.EndDate = normalize(c.EndDate)
	c.Branches = make([]model.Branch, len(e.Branches))
	for i, b := range e.Branches {
		b.ID = 0
		c.Branches[i] = b
	}

	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrPersistence, e.Slug, err)
	}
	return data, nil
}

func normalize(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := t.UTC().Truncate(time.Second)
	return &n
}

// sameSnapshot compares two snapshots structurally. Databases with a
// native JSON type may reorder keys on the way back.
func sameSnapshot(a, b []byte) (bool, error) {
	ca, err := canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func canonical(b []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return json.Marshal(v)
}

func sameStatus(a, b model.ChangeLogEntry) bool {
	return a.NewStatus == b.NewStatus &&
		a.NewPublishStatus == b.NewPublishStatus &&
		a.NewStatusNext == b.NewStatusNext
}
