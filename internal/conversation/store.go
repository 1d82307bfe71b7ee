package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

// Store is the durable mapping from conversation key to State.
//
// Get returns (nil, nil) when the key has never been seen. Patch creates the
// record first when it is absent. Implementations must not lose concurrent
// patches to different keys.
type Store interface {
	Get(ctx context.Context, key string) (*State, error)
	Put(ctx context.Context, key string, state State) (*State, error)
	Patch(ctx context.Context, key string, patch Patch) (*State, error)
}

// mergePatch applies patch to current (or a fresh record when current is nil)
// and stamps bookkeeping fields.
func mergePatch(current *State, key string, patch Patch, now time.Time) (State, error) {
	base := NewState(key)
	base.Timestamps[MilestoneCreated] = now
	if current != nil {
		base = current.Clone()
		if base.Timestamps == nil {
			base.Timestamps = map[string]time.Time{}
		}
	}
	next, err := base.Apply(patch)
	if err != nil {
		return State{}, err
	}
	next.Key = key
	next.UpdatedAt = now
	return next, nil
}

// prepareState normalizes a state handed to Put.
func prepareState(key string, state State, now time.Time) State {
	out := state.Clone()
	out.Key = key
	if out.Stage == "" {
		out.Stage = StageRapport
	}
	if out.QuestionsAsked > MaxRapportQuestions {
		out.QuestionsAsked = MaxRapportQuestions
	}
	if out.QuestionsAsked < 0 {
		out.QuestionsAsked = 0
	}
	out.UpdatedAt = now
	return out
}

// FileStore keeps every conversation in a single JSON document. Writes are
// serialized through one mutex and committed with a temp-file rename, so a
// reader never observes a half-written collection and concurrent patches to
// different keys cannot drop each other.
type FileStore struct {
	path   string
	logger *logging.Logger
	tracer trace.Tracer

	mu  sync.Mutex
	now func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string, logger *logging.Logger) *FileStore {
	if strings.TrimSpace(path) == "" {
		panic("conversation: state file path cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger,
		tracer: otel.Tracer("prospecting.internal.conversation.filestore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the record for key, or nil when absent.
func (s *FileStore) Get(ctx context.Context, key string) (*State, error) {
	_, span := s.tracer.Start(ctx, "conversation.state.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadLocked()
	state, ok := all[key]
	if !ok {
		return nil, nil
	}
	out := state.Clone()
	return &out, nil
}

// Put replaces the record for key.
func (s *FileStore) Put(ctx context.Context, key string, state State) (*State, error) {
	_, span := s.tracer.Start(ctx, "conversation.state.put", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadLocked()
	committed := prepareState(key, state, s.now())
	all[key] = committed
	if err := s.saveLocked(all); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := committed.Clone()
	return &out, nil
}

// Patch merges patch into the record for key, creating it when absent.
func (s *FileStore) Patch(ctx context.Context, key string, patch Patch) (*State, error) {
	_, span := s.tracer.Start(ctx, "conversation.state.patch", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadLocked()
	var current *State
	if existing, ok := all[key]; ok {
		current = &existing
	}
	next, err := mergePatch(current, key, patch, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	all[key] = next
	if err := s.saveLocked(all); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := next.Clone()
	return &out, nil
}

// loadLocked reads the whole collection. A missing, unreadable or corrupt
// file yields an empty collection so a damaged log never blocks a turn.
func (s *FileStore) loadLocked() map[string]State {
	all := map[string]State{}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("state file unreadable; treating as empty", "path", s.path, "error", err)
		}
		return all
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return all
	}
	if err := json.Unmarshal(raw, &all); err != nil {
		s.logger.Warn("state file corrupt; treating as empty", "path", s.path, "error", err)
		return map[string]State{}
	}
	return all
}

func (s *FileStore) saveLocked(all map[string]State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("conversation: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("conversation: encode state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("conversation: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("conversation: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("conversation: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("conversation: close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("conversation: commit state: %w", err)
	}
	return nil
}
