package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/winter-ide/winter-auth/internal/config"
	"github.com/winter-ide/winter-auth/internal/secrets"
)

// DefaultKey is the secret storage key holding the session collection.
const DefaultKey = "winter.sessions"

// ErrStorageCorrupted marks a persisted collection that could not be
// decoded. It is logged and recovered from, never returned.
var ErrStorageCorrupted = errors.New("session storage corrupted")

// StoreOptions configures a Store.
type StoreOptions struct {
	// Key is the secret storage key. Defaults to DefaultKey.
	Key string

	// Policy is config.PolicyReplace (default) or config.PolicyAccumulate.
	Policy string
}

// Store owns the persisted session collection. Every mutation is a full
// read-modify-write cycle serialized by one mutex.
type Store struct {
	mu      sync.Mutex
	storage secrets.Storage
	key     string
	policy  string
	feed    *Feed
}

// NewStore creates a store on top of storage.
func NewStore(storage secrets.Storage, opts StoreOptions) *Store {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyReplace
	}

	return &Store{
		storage: storage,
		key:     opts.Key,
		policy:  opts.Policy,
		feed:    NewFeed(),
	}
}

// Policy returns the account policy in effect.
func (s *Store) Policy() string {
	return s.policy
}

// Subscribe registers a change-feed subscriber. See Feed.Subscribe.
func (s *Store) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	return s.feed.Subscribe(buffer)
}

// List returns the persisted sessions. A collection that cannot be decoded
// is deleted and an empty list returned.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	valid := records[:0]
	for _, r := range records {
		if r.Account.ID == "" {
			slog.Warn("skipping stored session without account id", "session_id", r.ID)
			continue
		}
		valid = append(valid, r)
	}
	return valid, nil
}

// Get returns the session with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, bool, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, false, err
	}

	for i := range records {
		if records[i].ID == id {
			return &records[i], true, nil
		}
	}
	return nil, false, nil
}

// Add persists rec. Under PolicyReplace the collection becomes exactly
// [rec]; under PolicyAccumulate only records for the same account are
// displaced. Displaced records are published as removed.
func (s *Store) Add(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("session record is nil")
	}
	if rec.Account.ID == "" {
		return fmt.Errorf("session record has no account id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}

	var event ChangeEvent
	kept := make([]Record, 0, len(records)+1)
	replacedSameID := false
	for _, r := range records {
		switch {
		case r.ID == rec.ID:
			replacedSameID = true
		case s.policy == config.PolicyReplace, r.Account.ID == rec.Account.ID:
			event.Removed = append(event.Removed, r)
		default:
			kept = append(kept, r)
		}
	}
	kept = append(kept, *rec.Clone())

	if err := s.save(ctx, kept); err != nil {
		return err
	}

	if replacedSameID {
		event.Changed = append(event.Changed, *rec.Clone())
	} else {
		event.Added = append(event.Added, *rec.Clone())
	}

	slog.Info("session stored",
		"session_id", rec.ID,
		"account_id", rec.Account.ID,
		"displaced", len(event.Removed),
		"policy", s.policy,
	)

	s.feed.Publish(event)
	return nil
}

// Remove deletes the session with the given id. Removing an absent id is
// a no-op and reports false.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, r := range records {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	removed := records[idx]
	records = append(records[:idx], records[idx+1:]...)

	if err := s.save(ctx, records); err != nil {
		return false, err
	}

	slog.Info("session removed", "session_id", id, "account_id", removed.Account.ID)

	s.feed.Publish(ChangeEvent{Removed: []Record{removed}})
	return true, nil
}

// load reads and decodes the collection. Must be called with mu held.
func (s *Store) load(ctx context.Context) ([]Record, error) {
	raw, ok, err := s.storage.Get(ctx, s.key)
	if errors.Is(err, secrets.ErrCorrupted) {
		s.discard(ctx, err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.discard(ctx, err)
		return nil, nil
	}

	return records, nil
}

// discard resets an undecodable collection to empty. Must be called with
// mu held.
func (s *Store) discard(ctx context.Context, cause error) {
	slog.Error("discarding stored sessions",
		"key", s.key,
		"error", fmt.Errorf("%w: %w", ErrStorageCorrupted, cause),
	)
	if err := s.storage.Delete(ctx, s.key); err != nil {
		slog.Error("failed to delete corrupted sessions", "key", s.key, "error", err)
	}
}

// save encodes and writes the full collection. Must be called with mu held.
func (s *Store) save(ctx context.Context, records []Record) error {
	if records == nil {
		records = []Record{}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}

	if err := s.storage.Set(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("failed to persist sessions: %w", err)
	}
	return nil
}
