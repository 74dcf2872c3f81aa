// Package audit records one entry per inbound message dispatch. Entries are
// append-only; the file sink chains them with HMAC-SHA256 so tampering with
// or dropping a line is detectable.
//
// Handled means the dispatch reached a reply-producing terminal state other
// than "no command matched". It does not mean the business action succeeded:
// a gate refusal or a recoverable handler failure is still handled.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is the audit record of a single dispatch.
type Entry struct {
	ID           string    `json:"id"`
	Peer         string    `json:"peer"`
	IdentityID   *int64    `json:"identity_id,omitempty"`
	ReporterID   *int64    `json:"reporter_id,omitempty"`
	Text         string    `json:"text"`
	Handled      bool      `json:"handled"`
	CreatedAt    time.Time `json:"created_at"`
	Hash         string    `json:"hash,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
}

// Sink stores audit entries. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Append(ctx context.Context, e Entry) error { return f(ctx, e) }

// Discard drops every entry.
var Discard Sink = SinkFunc(func(context.Context, Entry) error { return nil })

type tee []Sink

// Tee appends to every sink in order and joins their errors.
func Tee(sinks ...Sink) Sink {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (t tee) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileLog writes entries as JSON lines with a hash chain.
type FileLog struct {
	path     string
	key      []byte
	mu       sync.Mutex
	file     *os.File
	lastHash string
}

// OpenFile opens (or creates) a JSONL audit log and resumes its chain.
// An empty secret generates a random per-process key, in which case entries
// written by earlier processes will not verify.
func OpenFile(path string, secret []byte) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate audit key: %w", err)
		}
	}

	last, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileLog{path: path, key: secret, file: file, lastHash: last}, nil
}

func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *FileLog) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("audit log closed")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.PreviousHash = l.lastHash
	e.Hash = computeHash(l.key, e)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	l.lastHash = e.Hash
	return nil
}

// VerifyChain re-reads the log and checks every hash and link.
func (l *FileLog) VerifyChain() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyFile(l.path, l.key)
}

// VerifyFile checks the chain of the log at path and returns the number of
// entries verified.
func VerifyFile(path string, secret []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	var prev string
	n := 0
	line := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return n, fmt.Errorf("failed to parse entry at line %d: %w", line, err)
		}
		if e.PreviousHash != prev {
			return n, fmt.Errorf("hash chain broken at line %d", line)
		}
		if e.Hash != computeHash(secret, e) {
			return n, fmt.Errorf("entry hash mismatch at line %d", line)
		}
		prev = e.Hash
		n++
	}
	return n, scanner.Err()
}

// computeHash signs the JSON encoding of the entry's fields, so no field
// value can shift bytes into its neighbour.
func computeHash(key []byte, e Entry) string {
	fields, _ := json.Marshal([]any{
		e.ID,
		e.Peer,
		e.IdentityID,
		e.ReporterID,
		e.Text,
		e.Handled,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PreviousHash,
	})
	h := hmac.New(sha256.New, key)
	h.Write(fields)
	return hex.EncodeToString(h.Sum(nil))
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return "", fmt.Errorf("corrupt audit log %s: %w", path, err)
		}
		last = e.Hash
	}
	return last, scanner.Err()
}

// Memory keeps entries in memory, for tests and the one-shot CLI.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
