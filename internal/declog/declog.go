// Package declog is the append-only JSONL decision log. It is independent
// of the trace store: even if similarity retrieval is rebuilt from scratch,
// the flat log of terminal decisions survives.
package declog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// #region record

// Record is one terminal pipeline outcome.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	RunID         string    `json:"run_id"`
	Hypothesis    string    `json:"hypothesis"`
	FinalState    string    `json:"final_state"`
	RetryCount    int       `json:"retry_count"`
	PCScore       float64   `json:"pc_score"`
	CritiqueScore float64   `json:"critique_score"`
	Seed          int64     `json:"seed"`
	Threshold     float64   `json:"threshold"`
	FetchDays     int       `json:"fetch_days,omitempty"`
	Validated     bool      `json:"validated,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// #endregion record

// #region logger

// Logger appends decision records to a JSONL file. Safe for concurrent use.
type Logger struct {
	mu   sync.Mutex
	path string
}

// NewLogger creates a logger writing to path. The file is created on first
// append.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Append writes one record as a single JSON line. A failed append is
// surfaced to the caller: a decision that cannot be recorded must not be
// treated as recorded.
func (l *Logger) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append decision record: %w", err)
	}
	return nil
}

// #endregion logger

// #region read

// Read returns all records in the log. A missing file yields an empty
// slice; a corrupt line is an error, not a silent skip.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("decision log line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan decision log: %w", err)
	}
	return out, nil
}

// #endregion read
