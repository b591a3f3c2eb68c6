// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	internalDriver "labinstr/internal/driver"
	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
	"labinstr/pkg/driver"
)

// Resolver maps an instrument id to its connection parameters.
// *config.AddressTable satisfies it.
type Resolver interface {
	Lookup(id string) (protocol.ConnectionConfig, error)
	Info(id string) (model.InstrumentInfo, error)
}

// Opener opens an instrument for a resolved config.
type Opener func(ctx context.Context, id string, cfg protocol.ConnectionConfig) (*instrument.Instrument, error)

// Info describes one session for listings.
type Info struct {
	ID       string                 `json:"id"`
	Open     bool                   `json:"open"`
	OpenedAt time.Time              `json:"opened_at,omitempty"`
	LastUsed time.Time              `json:"last_used,omitempty"`
	Stats    protocol.ProtocolStats `json:"stats"`
}

// session serialises every transaction on one instrument. mu is held for
// the whole transaction; inst, openedAt and lastUsed are only written with
// both mu and meta held, so listings read them under meta alone.
type session struct {
	id       string
	mu       sync.Mutex
	meta     sync.RWMutex
	inst     *instrument.Instrument
	drv      driver.Driver
	openedAt time.Time
	lastUsed time.Time
}

func (s *session) setInstrument(inst *instrument.Instrument) {
	s.meta.Lock()
	defer s.meta.Unlock()
	s.inst = inst
	s.drv = nil
	if inst != nil {
		s.openedAt = time.Now()
	}
}

func (s *session) touch() {
	s.meta.Lock()
	s.lastUsed = time.Now()
	s.meta.Unlock()
}

func (s *session) info() (Info, *instrument.Instrument) {
	s.meta.RLock()
	defer s.meta.RUnlock()
	return Info{ID: s.id, Open: s.inst != nil, OpenedAt: s.openedAt, LastUsed: s.lastUsed}, s.inst
}

// Manager owns at most one open Instrument per address table id. Each
// Instrument is single threaded; Manager holds a per-id lock around every
// use so concurrent callers queue instead of interleaving.
type Manager struct {
	resolver Resolver
	opener   Opener
	drivers  *internalDriver.Registry
	sessions *xsync.MapOf[string, *session]
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the default opener (instrument.New).
func WithOpener(opener Opener) Option {
	return func(m *Manager) { m.opener = opener }
}

// WithDrivers sets the driver registry used by WithDriver.
func WithDrivers(registry *internalDriver.Registry) Option {
	return func(m *Manager) { m.drivers = registry }
}

// NewManager creates a session manager over resolver.
func NewManager(resolver Resolver, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		resolver: resolver,
		sessions: xsync.NewMapOf[string, *session](),
		logger:   logger.With(zap.String("component", "session-manager")),
	}
	m.opener = func(ctx context.Context, id string, cfg protocol.ConnectionConfig) (*instrument.Instrument, error) {
		return instrument.New(ctx, cfg, instrument.WithID(id), instrument.WithLogger(logger))
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.drivers == nil {
		m.drivers = internalDriver.NewRegistry(logger)
		internalDriver.RegisterDefaultDrivers(m.drivers, logger)
	}
	return m
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// With runs fn with exclusive use of the instrument id, opening it first
// if needed. A transport or connection failure closes the session so the
// next call reopens.
func (m *Manager) With(ctx context.Context, id string, fn func(inst *instrument.Instrument) error) error {
	s, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	err = fn(s.inst)
	s.touch()
	if errors.Is(err, model.ErrTransport) || errors.Is(err, model.ErrConnection) {
		m.logger.Warn("Dropping broken session", zap.String("instrument_id", s.id), zap.Error(err))
		_ = m.closeLocked(s)
	}
	return err
}

// WithDriver is like With but hands fn the driver for the instrument.
func (m *Manager) WithDriver(ctx context.Context, id string, fn func(d driver.Driver) error) error {
	return m.With(ctx, id, func(inst *instrument.Instrument) error {
		s, _ := m.sessions.Load(normalize(id))
		if s.drv == nil {
			info, err := m.resolver.Info(id)
			if err != nil {
				return err
			}
			d, err := m.drivers.Create(info.Driver, inst)
			if err != nil {
				return err
			}
			s.drv = d
		}
		return fn(s.drv)
	})
}

// acquire returns the locked, open session for id.
func (m *Manager) acquire(ctx context.Context, id string) (*session, error) {
	key := normalize(id)
	cfg, err := m.resolver.Lookup(key)
	if err != nil {
		return nil, err
	}

	s, _ := m.sessions.LoadOrCompute(key, func() *session {
		return &session{id: key}
	})

	s.mu.Lock()
	if s.inst != nil {
		return s, nil
	}

	inst, err := m.opener(ctx, key, cfg)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.setInstrument(inst)
	m.logger.Info("Session opened",
		zap.String("instrument_id", key),
		zap.String("address", cfg.Address()),
	)
	return s, nil
}

func (m *Manager) closeLocked(s *session) error {
	if s.inst == nil {
		return nil
	}
	err := s.inst.Close()
	s.setInstrument(nil)
	m.logger.Info("Session closed", zap.String("instrument_id", s.id), zap.Error(err))
	return err
}

// Close closes the session for id, waiting for any transaction in flight.
// Closing an unknown or closed session is a no-op. The entry stays in the
// map so that callers queued on it reopen under the same lock.
func (m *Manager) Close(id string) error {
	s, ok := m.sessions.Load(normalize(id))
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.closeLocked(s)
}

// CloseAll closes every session and combines the close errors.
func (m *Manager) CloseAll() error {
	var errs error
	for _, id := range m.ids() {
		if err := m.Close(id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errs
}

func (m *Manager) ids() []string {
	ids := make([]string, 0, m.sessions.Size())
	m.sessions.Range(func(id string, _ *session) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Sessions lists the known sessions sorted by id without waiting for
// transactions in flight.
func (m *Manager) Sessions() []Info {
	var out []Info
	for _, id := range m.ids() {
		s, ok := m.sessions.Load(id)
		if !ok {
			continue
		}
		info, inst := s.info()
		if inst != nil {
			info.Stats = inst.Stats()
		}
		out = append(out, info)
	}
	return out
}

// CloseIdle closes sessions unused for longer than maxIdle and returns
// how many were closed.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	closed := 0
	now := time.Now()
	for _, id := range m.ids() {
		s, ok := m.sessions.Load(id)
		if !ok || !s.mu.TryLock() {
			continue
		}
		idle := s.inst != nil && now.Sub(s.lastUsed) > maxIdle && now.Sub(s.openedAt) > maxIdle
		s.mu.Unlock()
		if idle {
			_ = m.Close(id)
			closed++
		}
	}
	return closed
}
