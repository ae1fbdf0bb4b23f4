// Package session owns session records: creation, loading, listing,
// deletion, mode changes, turn bookkeeping and optional persistence.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/metrics"
	"github.com/m4xw311/acprelay/protocol"
)

type Options struct {
	// MaxSessions bounds the in-memory table; 0 means unbounded.
	MaxSessions int
	// IdleTimeout is used by Sweep; 0 disables idle eviction.
	IdleTimeout time.Duration
	Modes       []protocol.SessionMode
	DefaultMode string
	// Store persists sessions; nil keeps them in memory only.
	Store   Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Registry is the shared session table. Every method returns clones, so
// callers can read results without holding any lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	seq      uint64
	opts     Options
	logger   *zap.Logger

	// persistMu orders store writes; persisted holds the last updatedAt
	// written per session so an older snapshot never overwrites a newer one.
	persistMu sync.Mutex
	persisted map[string]time.Time
}

func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Modes) == 0 {
		opts.Modes = []protocol.SessionMode{{ID: "default", Name: "Default"}}
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = opts.Modes[0].ID
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		persisted: make(map[string]time.Time),
		opts:      opts,
		logger:    logging.OrNop(opts.Logger).Named("session"),
	}
}

// Modes returns the configured mode set with the default selected.
func (r *Registry) Modes() protocol.SessionModeState {
	return protocol.SessionModeState{
		CurrentModeID:  r.opts.DefaultMode,
		AvailableModes: append([]protocol.SessionMode(nil), r.opts.Modes...),
	}
}

// Create allocates and persists a new session.
func (r *Registry) Create(ctx context.Context, metadata map[string]any) (*Session, error) {
	now := r.opts.Now()
	s := &Session{
		ID:           newID(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Conversation: []Message{},
		State:        State{LastActivity: now},
		Mode:         r.Modes(),
		Metadata:     metadata,
	}

	r.mu.Lock()
	if err := r.insertLocked(s); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	snapshot := s.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.reportSizeLocked()
		r.mu.Unlock()
		return nil, errors.Wrapf(err, "persist new session")
	}
	r.logger.Debug("session created", zap.String("sessionId", s.ID))
	return snapshot, nil
}

// Load returns the session and advances updatedAt and lastActivity. Sessions
// missing from memory are read back from the store.
func (r *Registry) Load(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		stored, err := r.fromStore(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if existing, raced := r.sessions[id]; raced {
			s = existing
		} else {
			stored.Processing = false
			if err := r.insertLocked(stored); err != nil {
				r.mu.Unlock()
				return nil, err
			}
			s = stored
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.sessions[id] != s {
		r.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}
	r.touchLocked(s, true)
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persistLogged(ctx, snapshot)
	return snapshot, nil
}

// UpdateMetadata merges kv into the session metadata and returns a
// snapshot.
func (r *Registry) UpdateMetadata(ctx context.Context, id string, kv map[string]any) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		s.Metadata[k] = v
	}
	r.touchLocked(s, false)
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persistLogged(ctx, snapshot)
	return snapshot, nil
}

// Get returns a snapshot without touching activity timestamps.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return s.Clone(), nil
}

// Page is one slice of List.
type Page struct {
	Sessions []*Session
	Total    int
	HasMore  bool
}

// List pages through in-memory sessions in creation order.
func (r *Registry) List(limit, offset int) Page {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	page := Page{Total: len(all)}
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	for _, s := range all[offset:end] {
		page.Sessions = append(page.Sessions, s.Clone())
	}
	r.mu.Unlock()

	page.HasMore = end < page.Total
	if page.Sessions == nil {
		page.Sessions = []*Session{}
	}
	return page
}

// Delete removes a session from memory and from the store. Deleting an
// unknown id, including a second delete, is a NotFoundError.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, inMemory := r.sessions[id]
	if inMemory && s.Processing {
		r.mu.Unlock()
		return &BusyError{ID: id, Operation: "delete"}
	}
	if inMemory {
		delete(r.sessions, id)
		r.reportSizeLocked()
	}
	r.mu.Unlock()

	if r.opts.Store == nil {
		if !inMemory {
			return &NotFoundError{ID: id}
		}
		return nil
	}
	r.persistMu.Lock()
	delete(r.persisted, id)
	err := r.opts.Store.Delete(ctx, id)
	r.persistMu.Unlock()
	if errors.Is(err, ErrNotStored) {
		if inMemory {
			return nil
		}
		return &NotFoundError{ID: id}
	}
	return errors.Wrapf(err, "delete stored session %s", id)
}

// SetMode switches the active mode and returns the previous one.
func (r *Registry) SetMode(ctx context.Context, id, modeID string) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return "", &NotFoundError{ID: id}
	}
	if s.Processing {
		r.mu.Unlock()
		return "", &BusyError{ID: id, Operation: "change mode"}
	}
	if !s.Mode.Has(modeID) {
		r.mu.Unlock()
		return "", &InvalidModeError{ID: id, Mode: modeID, Available: s.Mode.IDs()}
	}
	previous := s.Mode.CurrentModeID
	s.Mode.CurrentModeID = modeID
	r.touchLocked(s, false)
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persistLogged(ctx, snapshot)
	return previous, nil
}

// BeginTurn marks the session as processing and returns a snapshot of it.
// A session already processing a turn is refused with a BusyError.
func (r *Registry) BeginTurn(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if s.Processing {
		return nil, &BusyError{ID: id, Operation: "start another turn"}
	}
	s.Processing = true
	r.touchLocked(s, true)
	return s.Clone(), nil
}

// EndTurn clears the processing flag.
func (r *Registry) EndTurn(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.Processing = false
	r.touchLocked(s, true)
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persistLogged(ctx, snapshot)
}

// Append adds messages to the conversation.
func (r *Registry) Append(ctx context.Context, id string, msgs ...Message) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	now := r.opts.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		s.Conversation = append(s.Conversation, m)
		s.State.MessageCount++
	}
	r.touchLocked(s, false)
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persistLogged(ctx, snapshot)
	return nil
}

// Len is the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle for longer than IdleTimeout. Evicted sessions
// stay in the store and can be loaded again.
func (r *Registry) Sweep(now time.Time) []string {
	if r.opts.IdleTimeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, s := range r.sessions {
		if s.Processing {
			continue
		}
		if now.Sub(s.State.LastActivity) > r.opts.IdleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		sort.Strings(evicted)
		r.logger.Info("evicted idle sessions", zap.Strings("sessionIds", evicted))
		r.reportSizeLocked()
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if r.opts.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		}
	}
}

// insertLocked adds s, evicting the least recently active idle session when
// the table is full. Ties on activity go to the oldest session.
func (r *Registry) insertLocked(s *Session) error {
	if max := r.opts.MaxSessions; max > 0 && len(r.sessions) >= max {
		var victim *Session
		for _, c := range r.sessions {
			if c.Processing {
				continue
			}
			if victim == nil ||
				c.State.LastActivity.Before(victim.State.LastActivity) ||
				(c.State.LastActivity.Equal(victim.State.LastActivity) && c.seq < victim.seq) {
				victim = c
			}
		}
		if victim == nil {
			return &CapacityError{Max: max}
		}
		delete(r.sessions, victim.ID)
		r.logger.Info("evicted session to make room",
			zap.String("sessionId", victim.ID), zap.Int("maxSessions", max))
	}
	r.seq++
	s.seq = r.seq
	r.sessions[s.ID] = s
	r.reportSizeLocked()
	return nil
}

// touchLocked advances updatedAt, and lastActivity when activity is set,
// strictly past their previous values.
func (r *Registry) touchLocked(s *Session, activity bool) {
	now := r.opts.Now()
	if !now.After(s.UpdatedAt) {
		now = s.UpdatedAt.Add(time.Nanosecond)
	}
	s.UpdatedAt = now
	if activity {
		at := now
		if !at.After(s.State.LastActivity) {
			at = s.State.LastActivity.Add(time.Nanosecond)
		}
		s.State.LastActivity = at
	}
}

func (r *Registry) reportSizeLocked() {
	r.opts.Metrics.SetSessions(len(r.sessions))
}

func (r *Registry) fromStore(ctx context.Context, id string) (*Session, error) {
	if r.opts.Store == nil {
		return nil, &NotFoundError{ID: id}
	}
	s, err := r.opts.Store.Load(ctx, id)
	if errors.Is(err, ErrNotStored) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load stored session %s", id)
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if len(s.Mode.AvailableModes) == 0 || !s.Mode.Has(s.Mode.CurrentModeID) {
		s.Mode = r.Modes()
	}
	return s, nil
}

func (r *Registry) persist(ctx context.Context, s *Session) error {
	if r.opts.Store == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if last, ok := r.persisted[s.ID]; ok && s.UpdatedAt.Before(last) {
		return nil
	}
	r.mu.Lock()
	_, live := r.sessions[s.ID]
	r.mu.Unlock()
	if !live {
		return nil
	}
	if err := r.opts.Store.Save(ctx, s); err != nil {
		return err
	}
	r.persisted[s.ID] = s.UpdatedAt
	return nil
}

func (r *Registry) persistLogged(ctx context.Context, s *Session) {
	if err := r.persist(ctx, s); err != nil {
		r.logger.Warn("failed to persist session", zap.String("sessionId", s.ID), zap.Error(err))
	}
}
