package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/mapview"
)

// Manager owns the open sessions of the process.
type Manager struct {
	binder *Binder
	opts   Options
	log    *slog.Logger

	mu       sync.RWMutex
	doc      config.Document
	sessions map[string]*Session
}

func NewManager(binder *Binder, doc config.Document, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		binder:   binder,
		opts:     opts,
		log:      opts.Logger,
		doc:      doc,
		sessions: map[string]*Session{},
	}
}

// Open starts a session on view. A nil doc uses the manager's document.
func (m *Manager) Open(ctx context.Context, view mapview.MapView, doc *config.Document) (*Session, error) {
	m.mu.RLock()
	d := m.doc
	m.mu.RUnlock()
	if doc != nil {
		d = *doc
	}
	opts := m.opts
	if opts.Binder == nil {
		opts.Binder = m.binder
	}
	s, err := Open(ctx, uuid.NewString(), view, d, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	observability.AddActiveSessions(1)
	return s, nil
}

// OpenSpec binds spec and opens a session on it.
func (m *Manager) OpenSpec(ctx context.Context, spec ViewSpec) (*Session, error) {
	if m.binder == nil {
		return nil, errors.New("session: no binder configured")
	}
	view, err := m.binder.Bind(ctx, spec)
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, view, nil)
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// IDs lists the open session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.Close()
	observability.AddActiveSessions(-1)
	return nil
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	observability.AddActiveSessions(-len(all))
}

func (m *Manager) Document() config.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc
}

// SetDocument replaces the document for new sessions and applies it to the
// open ones.
func (m *Manager) SetDocument(ctx context.Context, doc config.Document) {
	m.mu.Lock()
	m.doc = doc
	all := m.snapshotLocked()
	m.mu.Unlock()
	for _, s := range all {
		s.SetDocument(ctx, doc)
	}
}

// Dispatch hands ev to every session that edits its layer and returns how many
// handled it.
func (m *Manager) Dispatch(ctx context.Context, ev model.EditEvent) (int, error) {
	m.mu.RLock()
	all := m.snapshotLocked()
	m.mu.RUnlock()

	n := 0
	var errs []error
	for _, s := range all {
		key, ok := s.HasLayer(ev.Layer)
		if !ok {
			continue
		}
		if err := s.HandleEdit(ctx, key, ev); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (m *Manager) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
