// Package history persists conversation records in a document store when one
// is reachable, falling back to a local JSON file.
package history

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// probeTimeout bounds the initial document-backend probe.
	probeTimeout = 2 * time.Second
	// lazyInitTimeout bounds re-probing on the hot path.
	lazyInitTimeout = 1500 * time.Millisecond
)

// Record is one durable chat-history entry.
type Record struct {
	ConversationID string            `json:"conversation_id" bson:"conversation_id"`
	Role           string            `json:"role" bson:"role"`
	Content        string            `json:"content" bson:"content"`
	Timestamp      time.Time         `json:"timestamp" bson:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

type backend interface {
	save(ctx context.Context, rec Record) error
	get(ctx context.Context, conversationID string, limit int) ([]Record, error)
	close(ctx context.Context) error
}

// Store selects its backend lazily on first use. Initialization is
// single-flight and bounded; any failure silently degrades to the file
// backend so the hot path never blocks on an unreachable document store.
type Store struct {
	uri      string
	limit    int
	enabled  bool
	filePath string

	group       singleflight.Group
	initialized atomic.Bool

	mu     sync.RWMutex
	active backend

	file *fileBackend
}

// New builds a Store. uri is the optional document-store URI; filePath is the
// JSON fallback location.
func New(uri, filePath string, limit int, enabled bool) *Store {
	return &Store{
		uri:      uri,
		limit:    limit,
		enabled:  enabled,
		filePath: filePath,
		file:     newFileBackend(filePath),
	}
}

// Save appends one record. Failures are logged, never raised: history is
// best-effort operational state.
func (s *Store) Save(ctx context.Context, conversationID, role, content string, metadata map[string]string) {
	if !s.enabled {
		return
	}
	s.ensureInitialized(ctx, lazyInitTimeout)

	rec := Record{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if err := s.backendOrFile().save(ctx, rec); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("history_save_failed")
	}
}

// Get returns up to limit records of the conversation in chronological order.
func (s *Store) Get(ctx context.Context, conversationID string, limit int) []Record {
	if !s.enabled {
		return nil
	}
	if limit <= 0 {
		limit = s.limit
	}
	s.ensureInitialized(ctx, lazyInitTimeout)

	records, err := s.backendOrFile().get(ctx, conversationID, limit)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("history_get_failed")
		return nil
	}
	return records
}

// Close releases the document-backend connection if one was opened.
func (s *Store) Close(ctx context.Context) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active != nil && active != backend(s.file) {
		if err := active.close(ctx); err != nil {
			log.Warn().Err(err).Msg("history_backend_close_warning")
		}
	}
}

func (s *Store) backendOrFile() backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active != nil {
		return s.active
	}
	return s.file
}

func (s *Store) setActive(b backend) {
	s.mu.Lock()
	s.active = b
	s.mu.Unlock()
}

// ensureInitialized probes the document backend at most once, bounded by
// budget. The file fallback is prepared first so a timed-out probe leaves a
// working store behind.
func (s *Store) ensureInitialized(ctx context.Context, budget time.Duration) {
	if s.initialized.Load() {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = s.group.Do("init", func() (any, error) {
			if s.initialized.Load() {
				return nil, nil
			}
			s.file.ensureExists()

			if os.Getenv("TESTING_MODE") == "true" {
				log.Info().Msg("testing_mode_using_file_history")
				s.setActive(s.file)
				s.initialized.Store(true)
				return nil, nil
			}

			if s.uri != "" {
				probeCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
				defer cancel()
				doc, err := newDocumentBackend(probeCtx, s.uri)
				if err == nil {
					log.Info().Msg("document_history_backend_connected")
					s.setActive(doc)
					s.initialized.Store(true)
					return nil, nil
				}
				log.Warn().Err(err).Msg("document_backend_probe_failed_using_file")
			}

			s.setActive(s.file)
			s.initialized.Store(true)
			return nil, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(budget):
		log.Warn().Msg("history_init_timed_out_using_file")
	case <-ctx.Done():
	}
}
