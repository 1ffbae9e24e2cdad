// Package convlog implements the append-only conversation log: one JSON
// object per line, each recording a message between the server and an agent.
// The file is the authoritative mapping from project to task IDs; readers
// derive it here rather than trusting redundant columns elsewhere.
package convlog

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// Message directions.
const (
	DirectionInbound  = "inbound"  // agent -> server
	DirectionOutbound = "outbound" // server -> agent
)

// Metadata situates an entry in the coordination state.
type Metadata struct {
	ProjectID   string `json:"project_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	MessageType string `json:"message_type,omitempty"`
}

// Entry is one conversation line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
}

// Log appends entries to a JSONL file. Appends are serialized; each entry is
// written and flushed as a single line so a crash never leaves a torn
// record visible to readers.
type Log struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Open opens (creating if needed) the conversation log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "cannot create conversation log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "cannot open conversation log")
	}
	return &Log{path: path, f: f}, nil
}

// Append writes one entry, stamping the timestamp if unset.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "conversation entry not serializable")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return marcuserr.Wrap(marcuserr.KindTransient, err, "conversation log write failed")
	}
	return nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// readAll streams entries from path, skipping unparsable lines. A missing
// file reads as empty.
func readAll(path string, visit func(Entry) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return marcuserr.Wrap(marcuserr.KindStorage, err, "cannot read conversation log")
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !visit(e) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "conversation log scan failed")
	}
	return nil
}

// TasksByProject derives the project -> task-ID mapping from the log, each
// project's task IDs in first-mention order.
func TasksByProject(path string) (map[string][]string, error) {
	out := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	err := readAll(path, func(e Entry) bool {
		pid, tid := e.Metadata.ProjectID, e.Metadata.TaskID
		if pid == "" || tid == "" {
			return true
		}
		if seen[pid] == nil {
			seen[pid] = make(map[string]bool)
		}
		if !seen[pid][tid] {
			seen[pid][tid] = true
			out[pid] = append(out[pid], tid)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TaskExcerpts returns up to limit of the most recent entries mentioning
// taskID, oldest first. limit <= 0 returns all of them.
func TaskExcerpts(path, taskID string, limit int) ([]Entry, error) {
	var all []Entry
	err := readAll(path, func(e Entry) bool {
		if e.Metadata.TaskID == taskID {
			all = append(all, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
