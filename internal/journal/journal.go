// Package journal keeps an append-only JSONL history of engine activity:
// applies, reconcile cycles, pipeline runs, and state surgery. One line per
// entry, so the log can be tailed, shipped, or parsed with standard tools.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kinds of journaled events.
const (
	KindApply     = "apply"
	KindDestroy   = "destroy"
	KindReconcile = "reconcile"
	KindPipeline  = "pipeline"
	KindUnlock    = "unlock"
	KindStateRm   = "state.rm"
)

// Entry is one journaled event. Detail carries the kind-specific payload,
// e.g. an ir.ReconcileCycle or ir.PipelineRun.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Scope     string          `json:"scope,omitempty"`
	Who       string          `json:"who,omitempty"`
	Summary   map[string]int  `json:"summary,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Journal appends entries to one JSONL file. A nil Journal discards
// everything, so callers don't have to guard every write.
type Journal struct {
	mu   sync.Mutex
	path string
}

// New returns a journal writing to path. The parent directory is created
// on first append.
func New(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one entry, filling in the timestamp and user when absent.
func (j *Journal) Append(e *Entry) error {
	if j == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Who == "" {
		e.Who = currentUser()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Record marshals detail and appends it as an entry of the given kind.
func (j *Journal) Record(kind, scope string, detail any) error {
	if j == nil {
		return nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal journal detail: %w", err)
	}
	return j.Append(&Entry{Kind: kind, Scope: scope, Detail: raw})
}

// Tail returns the last n entries, oldest first. Lines that do not parse,
// e.g. a torn write from a crash, are skipped.
func (j *Journal) Tail(n int) ([]*Entry, error) {
	if j == nil {
		return nil, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
