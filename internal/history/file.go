package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxFileRecords caps the JSON file; the oldest records are dropped first.
const maxFileRecords = 1000

// fileBackend keeps every record in one JSON array. Reads and writes are
// whole-file and serialized by mu. No fsync: a torn write may lose the tail,
// which is acceptable for operational history.
type fileBackend struct {
	mu   sync.Mutex
	path string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (f *fileBackend) ensureExists() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.path); err == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("history_file_dir_create_failed")
		return
	}
	if err := os.WriteFile(f.path, []byte("[]"), 0o644); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("history_file_create_failed")
	}
}

func (f *fileBackend) save(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := f.readAll()
	records = append(records, rec)
	if len(records) > maxFileRecords {
		records = records[len(records)-maxFileRecords:]
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

func (f *fileBackend) get(_ context.Context, conversationID string, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []Record
	for _, rec := range f.readAll() {
		if rec.ConversationID == conversationID {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (f *fileBackend) close(context.Context) error { return nil }

// readAll tolerates a missing or corrupt file by starting over empty.
func (f *fileBackend) readAll() []Record {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("history_file_corrupt_resetting")
		return nil
	}
	return records
}
