package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stealth-dispatcher/internal/types"
)

// Storage persists dispatcher snapshots between runs
type Storage interface {
	Save(snap *types.Snapshot) error
	Load() (*types.Snapshot, error)
	Close() error
}

// AttemptLog is implemented by backends that keep every attempt record they
// were handed, beyond the in-memory trail of the latest snapshot.
type AttemptLog interface {
	AttemptsFor(requestID string) ([]types.AttemptRecord, error)
}

// NewStorage opens the backend named by storageType. For "redis" the path is
// a host:port address or a redis:// URL.
func NewStorage(storageType string, path string) (Storage, error) {
	switch storageType {
	case "file":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	case "redis":
		return NewRedisStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// attemptsOf filters records to one request, ordered by attempt number
func attemptsOf(records []types.AttemptRecord, requestID string) []types.AttemptRecord {
	var out []types.AttemptRecord
	for _, rec := range records {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

// FileStorage keeps the latest snapshot as a JSON document and appends every
// attempt record it has not seen before to a JSON-lines audit file next to it.
type FileStorage struct {
	path      string
	auditPath string

	mu     sync.Mutex
	logged map[string]struct{}
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f := &FileStorage{
		path:      path,
		auditPath: path + ".attempts.jsonl",
		logged:    make(map[string]struct{}),
	}
	records, err := f.readAudit()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		f.logged[rec.AttemptID] = struct{}{}
	}
	return f, nil
}

func (f *FileStorage) Save(snap *types.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.appendAudit(snap.Attempts); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	// Snapshots carry endpoint addresses, which may embed proxy credentials
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func (f *FileStorage) appendAudit(records []types.AttemptRecord) error {
	var fresh []types.AttemptRecord
	for _, rec := range records {
		if _, ok := f.logged[rec.AttemptID]; !ok {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	out, err := os.OpenFile(f.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer out.Close()

	enc := json.NewEncoder(out)
	for _, rec := range fresh {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("append attempt %s: %w", rec.AttemptID, err)
		}
		f.logged[rec.AttemptID] = struct{}{}
	}
	return nil
}

func (f *FileStorage) readAudit() ([]types.AttemptRecord, error) {
	in, err := os.Open(f.auditPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer in.Close()

	var records []types.AttemptRecord
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		var rec types.AttemptRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("audit log line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return records, nil
}

// Load returns nil without error when nothing was saved yet
func (f *FileStorage) Load() (*types.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (f *FileStorage) AttemptsFor(requestID string) ([]types.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.readAudit()
	if err != nil {
		return nil, err
	}
	return attemptsOf(records, requestID), nil
}

func (f *FileStorage) Close() error {
	return nil
}
