package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWriter_HandlerSpoolsEvents(t *testing.T) {
	w := NewWriter(DefaultConfig(), "sess-1", nil, nil)
	h := w.Handler()

	before := time.Now().UTC()
	h("prediction_completed", json.RawMessage(`{"id":"p1"}`), 12)

	rec, ok := w.spool.TryNext()
	if !ok {
		t.Fatal("handler did not spool the event")
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", rec.SessionID)
	}
	if rec.Event != "prediction_completed" {
		t.Errorf("Event = %q", rec.Event)
	}
	if rec.Seq != 12 {
		t.Errorf("Seq = %d", rec.Seq)
	}
	if string(rec.Payload) != `{"id":"p1"}` {
		t.Errorf("Payload = %s", rec.Payload)
	}
	if rec.ReceivedAt.Before(before) {
		t.Errorf("ReceivedAt = %v, before handler call", rec.ReceivedAt)
	}
}

func TestWriter_HandlerCopiesPayload(t *testing.T) {
	w := NewWriter(DefaultConfig(), "sess-1", nil, nil)
	h := w.Handler()

	raw := []byte(`{"id":"p1"}`)
	h("status_update", raw, 1)
	raw[2] = 'x' // mutate the caller's buffer after dispatch

	rec, _ := w.spool.TryNext()
	if string(rec.Payload) != `{"id":"p1"}` {
		t.Errorf("Payload = %s, handler must copy the frame data", rec.Payload)
	}
}

func TestWriter_BatchAccumulates(t *testing.T) {
	cfg := Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}
	w := NewWriter(cfg, "sess-1", nil, nil)

	h := w.Handler()
	for i := int64(1); i <= 5; i++ {
		h("status_update", nil, i)
	}

	for {
		rec, ok := w.spool.TryNext()
		if !ok {
			break
		}
		w.handleRecord(rec)
	}

	w.batchMu.Lock()
	n := len(w.batch)
	w.batchMu.Unlock()
	if n != 5 {
		t.Errorf("batch size = %d, want 5", n)
	}
}

// Writer lifecycle without a database: the goroutines must start and stop
// cleanly as long as nothing is flushed.
func TestWriter_Lifecycle(t *testing.T) {
	cfg := Config{
		BatchSize:     10,
		FlushInterval: time.Hour, // keep the ticker from flushing into a nil pool
		BufferSize:    10,
	}
	w := NewWriter(cfg, "sess-1", nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestWriter_ConfigDefaults(t *testing.T) {
	w := NewWriter(Config{}, "sess-1", nil, nil)
	if w.cfg.BatchSize != DefaultConfig().BatchSize {
		t.Errorf("BatchSize = %d", w.cfg.BatchSize)
	}
	if w.cfg.FlushInterval != DefaultConfig().FlushInterval {
		t.Errorf("FlushInterval = %v", w.cfg.FlushInterval)
	}
	if w.cfg.BufferSize != DefaultConfig().BufferSize {
		t.Errorf("BufferSize = %d", w.cfg.BufferSize)
	}
}
