// Package runlog persists one append-only JSONL event log per run. The log
// is the source of truth for resume: replaying it reconstructs exactly
// which states completed and what the variable context looked like, so a
// resumed run never re-executes finished work.
package runlog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rendis/flow/pkg/schema"
)

// Writer appends events to a single run's log file. Safe for concurrent use
// by fork branches; appends are serialized and fsynced so a crash loses at
// most the event being written.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seq  int64
}

// Dir is a directory of run logs, one file per run id.
type Dir struct {
	root string
}

// NewDir creates the log directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create run log dir").WithCause(err)
	}
	return &Dir{root: root}, nil
}

// Path returns the log file path for a run id.
func (d *Dir) Path(runID string) string {
	return filepath.Join(d.root, runID+".jsonl")
}

// Open creates or reopens the log for appending. Reopening continues the
// sequence where the existing log left off.
func (d *Dir) Open(runID string) (*Writer, error) {
	path := d.Path(runID)

	seq := int64(0)
	if events, err := d.Read(runID); err == nil && len(events) > 0 {
		seq = events[len(events)-1].Sequence
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open run log %s", path).WithCause(err)
	}
	return &Writer{f: f, path: path, seq: seq}, nil
}

// Read loads and decodes every event of a run's log in order.
func (d *Dir) Read(runID string) ([]schema.RunEvent, error) {
	data, err := os.ReadFile(d.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no run log for %s", runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read run log %s", runID).WithCause(err)
	}

	var events []schema.RunEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev schema.RunEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEngine,
				"corrupt run log %s at event %d", runID, len(events)+1).WithCause(err)
		}
		events = append(events, ev)
	}

	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeEngine,
				"corrupt run log %s: sequence gap at %d", runID, i+1)
		}
	}
	return events, nil
}

// Append writes one event. The payload is marshaled to JSON; sequence and
// timestamp are assigned here.
func (w *Writer) Append(kind, stateID, branchID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal event payload").WithCause(err)
		}
		raw = data
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	ev := schema.RunEvent{
		Timestamp: time.Now().UTC(),
		Sequence:  w.seq,
		Kind:      kind,
		StateID:   stateID,
		BranchID:  branchID,
		Payload:   raw,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		w.seq--
		return schema.NewError(schema.ErrCodeStore, "marshal event").WithCause(err)
	}
	line = append(line, '\n')

	if _, err := w.f.Write(line); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append to %s", w.path).WithCause(err)
	}
	if err := w.f.Sync(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "sync %s", w.path).WithCause(err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
