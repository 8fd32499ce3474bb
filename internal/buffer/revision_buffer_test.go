package buffer

import (
	"sync"
	"testing"
	"time"

	v1 "expflow/pkg/api/v1"
	"expflow/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

func eventRevision(e v1.ChangeEvent) int64 { return e.Revision }

func TestRevisionBuffer_Lifecycle(t *testing.T) {
	buf := NewRevisionBuffer(3, eventRevision)

	// 1. Empty buffer
	msgs, ok := buf.Since(0)
	if !ok || len(msgs) != 0 {
		t.Error("Empty buffer should return empty slice and ok=true")
	}

	// 2. Fill [1, 2, 3]; a fresh client at 0 can replay from 1
	buf.Add(v1.ChangeEvent{Revision: 1})
	buf.Add(v1.ChangeEvent{Revision: 2})
	buf.Add(v1.ChangeEvent{Revision: 3})

	msgs, ok = buf.Since(0)
	if !ok || len(msgs) != 3 {
		t.Errorf("Since(0) should replay all 3, got ok=%v len=%d", ok, len(msgs))
	}

	// 3. Wrap around: logical [2, 3, 4]
	buf.Add(v1.ChangeEvent{Revision: 4})

	// 4. Revision 1 is gone, but 2 follows 1 directly
	msgs, ok = buf.Since(1)
	if !ok || len(msgs) != 3 {
		t.Errorf("Since(1) should replay [2,3,4], got ok=%v len=%d", ok, len(msgs))
	}

	// 5. A gap forces a resync
	if _, ok = buf.Since(0); ok {
		t.Error("Since(0) should fail because revision 1 was evicted")
	}

	// 6. Partial
	msgs, ok = buf.Since(2)
	if !ok {
		t.Error("Since(2) should be valid")
	}
	if len(msgs) != 2 || msgs[0].Revision != 3 || msgs[1].Revision != 4 {
		t.Errorf("Expected [3, 4], got %v", msgs)
	}

	// 7. Up to date
	msgs, ok = buf.Since(4)
	if !ok || len(msgs) != 0 {
		t.Errorf("Expected 0 messages, got %d", len(msgs))
	}
}

func TestRevisionBuffer_Concurrency(t *testing.T) {
	buf := NewRevisionBuffer(1000, eventRevision)
	done := make(chan struct{})
	count := 5000

	// Writer
	go func() {
		for i := 1; i <= count; i++ {
			buf.Add(v1.ChangeEvent{Revision: int64(i)})
			time.Sleep(2 * time.Microsecond)
		}
		close(done)
	}()

	// Readers
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastRev int64
			timeout := time.After(5 * time.Second)

			for {
				select {
				case <-done:
					return
				case <-timeout:
					t.Error("Test timed out")
					return
				default:
					msgs, ok := buf.Since(lastRev)
					if !ok {
						// fell behind the ring; a real client resyncs here
						continue
					}
					for _, m := range msgs {
						if m.Revision <= lastRev {
							t.Errorf("revision went backwards: %d after %d", m.Revision, lastRev)
							return
						}
						lastRev = m.Revision
					}
				}
			}
		}()
	}

	wg.Wait()
}
