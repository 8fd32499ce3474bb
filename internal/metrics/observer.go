package metrics

import "time"

type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	RecordDrop()
}

// PublishObserver records the publication pipeline: state machine moves,
// record store calls and scheduler passes.
type PublishObserver interface {
	RecordTransition(action string, ok bool)
	ObserveRecordStore(op string, d time.Duration, err error)
	ObserveReconcile(job string, d time.Duration, failed int)
	RecordOutbox(kind string, result string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) IncOnline()                                               {}
func (Nop) DecOnline()                                               {}
func (Nop) RecordPush()                                              {}
func (Nop) RecordDrop()                                              {}
func (Nop) RecordTransition(action string, ok bool)                  {}
func (Nop) ObserveRecordStore(op string, d time.Duration, err error) {}
func (Nop) ObserveReconcile(job string, d time.Duration, failed int) {}
func (Nop) RecordOutbox(kind string, result string)                  {}
