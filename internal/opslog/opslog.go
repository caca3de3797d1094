// Package opslog emits one JSON line per business operation.
//
// Emission is non-blocking: events flow through a bounded channel to a
// single writer goroutine, and lines are dropped (with a counter) when
// the channel is full or a line exceeds the size cap. Business
// operations never stall on the log.
package opslog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/metrics"
)

// maxLineBytes caps one serialised event line.
const maxLineBytes = 8 * 1024

// queueDepth bounds the in-flight event queue.
const queueDepth = 1024

// Event is one operational log line.
type Event struct {
	TS         string  `json:"ts"`
	Op         string  `json:"op"`
	Tenant     string  `json:"tenant"`
	Collection string  `json:"collection,omitempty"`
	LatencyMS  float64 `json:"latency_ms"`
	Status     string  `json:"status"`

	K         *int   `json:"k,omitempty"`
	Hits      *int   `json:"hits,omitempty"`
	DocID     string `json:"docid,omitempty"`
	Chunks    *int   `json:"chunks,omitempty"`
	NewName   string `json:"new_name,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Int returns a pointer for the optional numeric event fields.
func Int(v int) *int { return &v }

// Writer is the lossy JSON-lines sink.
type Writer struct {
	ch      chan Event
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	dropped atomic.Int64
	out     *os.File
	ownsOut bool
	logger  *zap.Logger
}

// New creates a writer for dest: "" disables the stream entirely
// (Emit becomes a no-op), "stdout" writes to standard output, anything
// else is a file path opened for append.
func New(dest string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dest == "" {
		return &Writer{logger: logger}, nil
	}

	w := &Writer{
		ch:     make(chan Event, queueDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
	if dest == "stdout" {
		w.out = os.Stdout
	} else {
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening ops log %s: %w", dest, err)
		}
		w.out = f
		w.ownsOut = true
	}
	go w.run()
	return w, nil
}

// Emit enqueues an event, stamping its timestamp. Never blocks: the
// event is dropped when the queue is full.
func (w *Writer) Emit(ev Event) {
	if w.ch == nil {
		return
	}
	ev.TS = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	select {
	case w.ch <- ev:
	default:
		w.drop()
	}
}

// Dropped returns how many events were dropped so far.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Writer) drop() {
	w.dropped.Add(1)
	metrics.OpsLogDropped.Inc()
}

func (w *Writer) run() {
	defer close(w.done)
	for ev := range w.ch {
		line, err := json.Marshal(ev)
		if err != nil || len(line)+1 > maxLineBytes {
			w.drop()
			continue
		}
		line = append(line, '\n')
		if _, err := w.out.Write(line); err != nil {
			w.drop()
			w.logger.Warn("ops log write failed", zap.Error(err))
		}
	}
}

// Close flushes queued events and releases the sink.
func (w *Writer) Close() error {
	if w.ch == nil {
		return nil
	}
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	w.closeMu.Unlock()

	<-w.done
	if w.ownsOut {
		return w.out.Close()
	}
	return nil
}
