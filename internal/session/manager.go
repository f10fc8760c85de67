// Package session tracks the players created through the control API. All
// players share one audio output.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/player"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session: not found")

// Request describes a session to start.
type Request struct {
	URL     string `json:"url"`
	StartMS int64  `json:"startMs"`
	Paused  bool   `json:"paused"`
	Loop    bool   `json:"loop"`
	Mute    bool   `json:"mute"`
}

// Session is one player and the last notification it sent.
type Session struct {
	ID        string
	URL       string
	CreatedAt time.Time
	Player    *player.Player

	mu   sync.Mutex
	last player.Notification
}

// Info is the JSON view of a session.
type Info struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	State      string    `json:"state"`
	Code       int       `json:"code"`
	Message    string    `json:"message,omitempty"`
	PositionMs int64     `json:"positionMs"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Session) observe(n player.Notification) {
	s.mu.Lock()
	s.last = n
	s.mu.Unlock()
}

// Last returns the most recent notification.
func (s *Session) Last() player.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Info snapshots the session.
func (s *Session) Info() Info {
	n := s.Last()
	return Info{
		ID:         s.ID,
		URL:        s.URL,
		State:      s.Player.State().String(),
		Code:       n.Code,
		Message:    n.Message,
		PositionMs: s.Player.PositionMS(),
		DurationMs: s.Player.DurationMS(),
		CreatedAt:  s.CreatedAt,
	}
}

// Manager owns the running sessions.
type Manager struct {
	log   *slog.Logger
	base  player.Config
	audio *audio.Manager

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose players are built from base. The
// audio manager in base is shared by every session. If log is nil,
// slog.Default() is used.
func NewManager(base player.Config, log *slog.Logger) (*Manager, error) {
	if base.Audio == nil {
		return nil, errors.New("session: audio manager is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		base:     base,
		audio:    base.Audio,
		sessions: make(map[string]*Session),
	}, nil
}

// Audio returns the shared output.
func (m *Manager) Audio() *audio.Manager { return m.audio }

// Create starts a player for req and registers it. A player that fails to
// start is not registered.
func (m *Manager) Create(ctx context.Context, req Request) (*Session, error) {
	id := uuid.NewString()
	s := &Session{ID: id, URL: req.URL, CreatedAt: time.Now()}

	cfg := m.base
	cfg.Options.Loop = cfg.Options.Loop || req.Loop
	cfg.Log = m.log.With("session", id)
	listener := m.base.Listener
	cfg.Listener = func(n player.Notification) {
		s.observe(n)
		if listener != nil {
			listener(n)
		}
	}
	p, err := player.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	s.Player = p
	p.SetMute(req.Mute)
	if err := p.Start(ctx, req.URL, req.StartMS, req.Paused); err != nil {
		m.log.Warn("session failed to start", "url", req.URL, "error", err)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Info("session created", "session", id, "url", req.URL)
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the sessions oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Remove stops the session and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	err := s.Player.Stop()
	if errors.Is(err, player.ErrAlreadyDone) {
		err = nil
	}
	m.log.Info("session removed", "session", id)
	return err
}

// Close stops every session.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.List() {
		if err := m.Remove(s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
