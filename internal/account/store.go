// Package account holds the authoritative in-process snapshot of the mock
// account. The Store persists every commit through a store.Persister and
// notifies subscribers in commit order; it is the only writer of
// model.AccountState.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/account-engine/internal/metrics"
	"github.com/atmx/account-engine/internal/model"
	"github.com/atmx/account-engine/internal/store"
)

// Seeder generates the initial account used when nothing valid is persisted.
type Seeder func(now time.Time) model.AccountState

// Listener is called after every commit with the new snapshot. Listeners
// run on a committing goroutine, one snapshot at a time in commit order,
// and must not block.
type Listener func(model.AccountState)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for seeding and envelopes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPersistTimeout bounds each synchronous persistence write.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) { s.persistTimeout = d }
}

// Store is a durable, observable single-writer store for AccountState.
type Store struct {
	persister      store.Persister
	key            string
	seed           Seeder
	now            func() time.Time
	persistTimeout time.Duration

	// writeMu serializes Update/Commit; mu guards the fields below.
	writeMu   sync.Mutex
	mu        sync.RWMutex
	state     model.AccountState
	loaded    bool
	lastSaved []byte

	listenersMu sync.Mutex
	listeners   map[uint64]Listener
	nextID      uint64

	// pending holds committed snapshots not yet delivered. It is appended
	// under writeMu and drained by one goroutine at a time.
	deliverMu sync.Mutex
	pending   []model.AccountState
	draining  bool
}

// NewStore creates a store over persister using key as the storage slot.
func NewStore(persister store.Persister, key string, seed Seeder, opts ...Option) *Store {
	s := &Store{
		persister:      persister,
		key:            key,
		seed:           seed,
		now:            time.Now,
		persistTimeout: 2 * time.Second,
		listeners:      make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the storage slot name.
func (s *Store) Key() string { return s.key }

// Load returns the current state, reading the persisted blob on first
// access. A missing or malformed blob is replaced by a fresh seed, which is
// persisted immediately.
func (s *Store) Load(ctx context.Context) model.AccountState {
	if st, ok := s.current(); ok {
		return st
	}

	s.writeMu.Lock()
	// Another goroutine may have loaded while we waited.
	if st, ok := s.current(); ok {
		s.writeMu.Unlock()
		return st
	}

	data, err := s.persister.Load(ctx, s.key)
	if err == nil {
		st, derr := Decode(data)
		if derr == nil {
			s.mu.Lock()
			s.state, s.loaded, s.lastSaved = st, true, data
			s.mu.Unlock()
			s.writeMu.Unlock()
			slog.Info("account state loaded", "key", s.key, "positions", len(st.Positions))
			return st
		}
		slog.Warn("persisted account state rejected, reseeding", "key", s.key, "err", derr)
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("persisted account state unreadable, reseeding", "key", s.key, "err", err)
	}

	st := s.commitLocked(s.seed(s.now()))
	s.enqueue(st)
	s.writeMu.Unlock()
	s.deliver()
	return st
}

func (s *Store) current() (model.AccountState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.loaded
}

// Snapshot returns the current state. Callers must treat it as read-only;
// every commit replaces the slices wholesale, so a held snapshot never
// changes underneath its reader.
func (s *Store) Snapshot() model.AccountState {
	if st, ok := s.current(); ok {
		return st
	}
	return s.Load(context.Background())
}

// Commit replaces the state, persists it and notifies subscribers.
func (s *Store) Commit(next model.AccountState) {
	s.writeMu.Lock()
	next = s.commitLocked(next)
	s.enqueue(next)
	s.writeMu.Unlock()
	s.deliver()
}

// Reset commits a freshly generated seed, discarding the current state and
// whatever was persisted before it.
func (s *Store) Reset() model.AccountState {
	st := withEmptySlices(s.seed(s.now()))
	s.Commit(st)
	return st
}

// Update applies fn to a private copy of the current state and commits the
// result. If fn returns an error nothing is committed and the error is
// returned unchanged. Subscribers are notified after the write lock is
// released, so a listener may itself call Update; that nested commit is
// delivered once the current delivery finishes.
func (s *Store) Update(fn func(model.AccountState) (model.AccountState, error)) (model.AccountState, error) {
	s.Load(context.Background())

	s.writeMu.Lock()
	cur, _ := s.current()
	next, err := fn(cur.Clone())
	if err != nil {
		s.writeMu.Unlock()
		return cur, err
	}
	next = s.commitLocked(next)
	s.enqueue(next)
	s.writeMu.Unlock()

	s.deliver()
	return next, nil
}

// commitLocked must be called with writeMu held. It does not notify. The
// returned state is what was stored, with nil collections made empty.
func (s *Store) commitLocked(next model.AccountState) model.AccountState {
	next = withEmptySlices(next)
	data, err := Encode(next, s.now())
	if err != nil {
		// Unreachable for well-formed states; keep the in-memory commit.
		slog.Error("encode account state failed", "key", s.key, "err", err)
	}

	s.mu.Lock()
	s.state, s.loaded = next, true
	if err == nil {
		s.lastSaved = data
	}
	s.mu.Unlock()

	if err == nil {
		s.persist(data)
	}
	metrics.CashBalance.Set(next.CashUSD.InexactFloat64())
	return next
}

// persist writes data and swallows failures: a failed write leaves the
// durable copy stale but never rolls back the live state.
func (s *Store) persist(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	if err := s.persister.Save(ctx, s.key, data); err != nil {
		metrics.PersistFailures.Inc()
		slog.Error("persist account state failed", "key", s.key, "err", err)
	}
}

// Subscribe registers l for commit notifications. The returned function
// removes it and may be called any number of times.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// enqueue must be called with writeMu held so the queue follows commit order.
func (s *Store) enqueue(st model.AccountState) {
	s.deliverMu.Lock()
	s.pending = append(s.pending, st)
	s.deliverMu.Unlock()
}

// deliver drains the queue unless another goroutine is already draining it,
// in which case that goroutine delivers our snapshot after the ones ahead of
// it. A listener that commits re-enters here and returns immediately.
func (s *Store) deliver() {
	s.deliverMu.Lock()
	if s.draining {
		s.deliverMu.Unlock()
		return
	}
	s.draining = true

	for len(s.pending) > 0 {
		st := s.pending[0]
		s.pending[0] = model.AccountState{}
		s.pending = s.pending[1:]
		s.deliverMu.Unlock()
		s.notifyGuarded(st)
		s.deliverMu.Lock()
	}
	// Cleared under the same lock that observed the empty queue, so a
	// concurrent enqueue either lands in this loop or drains itself.
	s.draining = false
	s.deliverMu.Unlock()
}

// notifyGuarded releases the drain claim if a listener panics.
func (s *Store) notifyGuarded(st model.AccountState) {
	ok := false
	defer func() {
		if !ok {
			s.deliverMu.Lock()
			s.draining = false
			s.deliverMu.Unlock()
		}
	}()
	s.notify(st)
	ok = true
}

func (s *Store) notify(st model.AccountState) {
	s.listenersMu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenersMu.Unlock()

	for _, l := range ls {
		l(st)
	}
}

// Refresh reloads the persisted blob written by another process. It is a
// no-op when the blob matches the live state or fails validation. It
// reports whether the live snapshot changed.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	s.writeMu.Lock()

	data, err := s.persister.Load(ctx, s.key)
	if err != nil {
		s.writeMu.Unlock()
		return false, err
	}

	s.mu.RLock()
	same := bytes.Equal(data, s.lastSaved)
	cur := s.state
	s.mu.RUnlock()
	if same {
		s.writeMu.Unlock()
		return false, nil
	}

	st, err := Decode(data)
	if err != nil {
		s.writeMu.Unlock()
		slog.Warn("ignoring external account state", "key", s.key, "err", err)
		return false, err
	}
	// Backends that normalize JSON (JSONB) never echo our bytes back.
	if sameState(st, cur) {
		s.mu.Lock()
		s.lastSaved = data
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false, nil
	}

	s.mu.Lock()
	s.state, s.loaded, s.lastSaved = st, true, data
	s.mu.Unlock()
	s.enqueue(st)
	s.writeMu.Unlock()

	metrics.ExternalRefreshes.Inc()
	metrics.CashBalance.Set(st.CashUSD.InexactFloat64())
	slog.Info("account state refreshed from external writer", "key", s.key)
	s.deliver()
	return true, nil
}

func sameState(a, b model.AccountState) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Watch drives Refresh from the persister's change notifications until ctx
// is done. It returns immediately with nil when the persister cannot watch.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.persister.(store.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, s.key, func() {
		if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrMalformedState) {
			slog.Warn("account state refresh failed", "key", s.key, "err", err)
		}
	})
}
