package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RejectLog appends records that did not reach storage as JSON lines.
type RejectLog struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
	now     func() time.Time
	count   int
}

type rejectLine struct {
	At     time.Time `json:"at"`
	Entity string    `json:"entity"`
	Reason string    `json:"reason"`
	Record any       `json:"record"`
}

// NewRejectLog opens filename for appending, creating parent directories.
func NewRejectLog(filename string) (*RejectLog, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open reject log: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &RejectLog{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
		now:     time.Now,
	}, nil
}

// Write appends one record.
func (rl *RejectLog) Write(entity, reason string, record any) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := rl.encode(entity, reason, record); err != nil {
		return err
	}
	return rl.flush()
}

// WriteAll appends every record of a slice under one reason.
func WriteAll[T any](rl *RejectLog, entity, reason string, records []T) error {
	if rl == nil || len(records) == 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, rec := range records {
		if err := rl.encode(entity, reason, rec); err != nil {
			return err
		}
	}
	return rl.flush()
}

// Count returns the number of lines written.
func (rl *RejectLog) Count() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.count
}

// Close flushes buffers and closes the underlying file.
func (rl *RejectLog) Close() error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := rl.writer.Flush(); err != nil {
		return fmt.Errorf("flush reject log: %w", err)
	}
	return rl.file.Close()
}

func (rl *RejectLog) encode(entity, reason string, record any) error {
	line := rejectLine{At: rl.now().UTC(), Entity: entity, Reason: reason, Record: record}
	if err := rl.encoder.Encode(line); err != nil {
		return fmt.Errorf("encode reject: %w", err)
	}
	rl.count++
	return nil
}

func (rl *RejectLog) flush() error {
	if err := rl.writer.Flush(); err != nil {
		return fmt.Errorf("flush reject log: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
