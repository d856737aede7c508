package events

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit trail.
type LogEntry struct {
	Seq        uint64         `json:"seq,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	AgentID    string         `json:"agent_id,omitempty"`
	ActionType string         `json:"action_type,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
}

// promoted lists event data keys copied into top-level LogEntry fields.
var promoted = []struct {
	key string
	set func(*LogEntry, string)
}{
	{"agentId", func(e *LogEntry, v string) { e.AgentID = v }},
	{"actionType", func(e *LogEntry, v string) { e.ActionType = v }},
	{"decisionId", func(e *LogEntry, v string) { e.DecisionID = v }},
}

// AuditLogger appends agent events to a JSONL file. Once the next line would
// push the file past maxSize, the file is moved into archive/ and a fresh one
// is started.
type AuditLogger struct {
	path    string
	maxSize int64

	mu       sync.Mutex
	file     *os.File
	size     int64
	checksum bool
	rotated  int

	writeErrors atomic.Int64
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	l := &AuditLogger{path: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// Attach subscribes the logger to every agent event on bus. Returns the unsubscribe func.
func (l *AuditLogger) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.WriteEvent(e); err != nil {
			l.writeErrors.Add(1)
		}
	})
}

// WriteEvent converts a bus event into a LogEntry and appends it.
func (l *AuditLogger) WriteEvent(e Event) error {
	entry := LogEntry{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   e.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	for _, p := range promoted {
		if v, ok := e.Data[p.key].(string); ok {
			p.set(&entry, v)
		}
	}
	return l.WriteEntry(&entry)
}

// Log writes an ad-hoc entry that did not originate on the bus.
func (l *AuditLogger) Log(eventType string, details map[string]any) error {
	return l.WriteEvent(Event{Type: EventType(eventType), Data: details})
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errAuditClosed
	}
	if l.checksum {
		entry.Checksum = entryChecksum(entry)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	if l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

var errAuditClosed = errors.New("audit log closed")

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	l.file = nil

	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	l.rotated++
	if err := os.Rename(l.path, filepath.Join(dir, l.archiveName())); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}
	return l.open()
}

// archiveName is <stem>.<UTC timestamp>.<n>.jsonl; n disambiguates rotations
// within the same second.
func (l *AuditLogger) archiveName() string {
	base := filepath.Base(l.path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s.%s.%d%s", stem, time.Now().UTC().Format("20060102T150405Z"), l.rotated, LogFileExtension)
}

// entryChecksum is the SHA-256 of the entry's JSON form with Checksum empty.
func entryChecksum(entry *LogEntry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EnableChecksum controls whether subsequent entries carry a checksum.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	l.checksum = enable
	l.mu.Unlock()
}

// WriteErrors reports how many bus events failed to persist.
func (l *AuditLogger) WriteErrors() int {
	return int(l.writeErrors.Load())
}

// VerifyLogIntegrity returns (total, valid) entry counts for a JSONL audit
// file. Entries without a checksum count as valid. Lines that do not parse
// count toward total but not valid; blank lines are ignored.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	total, valid := 0, 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		total++
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Checksum == "" || entry.Checksum == entryChecksum(&entry) {
			valid++
		}
	}
	if err := sc.Err(); err != nil {
		return total, valid, fmt.Errorf("scan audit log: %w", err)
	}
	return total, valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	return f.Close()
}

// CurrentSize is the byte size of the active log file.
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
