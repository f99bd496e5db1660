// Package session ties authentication to the websocket: it confirms (or
// establishes) the backend session before connecting, refreshes snapshots
// whenever the connection opens and redials after unexpected drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/masterboy376/cphere/internal/api"
	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/reconcile"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/wire"
)

const refreshTimeout = 30 * time.Second

type Backend interface {
	reconcile.Source
	AuthStatus(ctx context.Context) (api.User, error)
	Login(ctx context.Context, email, password string) (api.User, error)
	Logout(ctx context.Context) error
}

type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(kind wire.Kind, h transport.Handler) *transport.Subscription
}

// Store is the reconciled state refreshed on every connect.
type Store interface {
	SetSelf(userID string)
	Refresh(ctx context.Context, src reconcile.Source) error
}

type SelfSetter interface {
	SetSelf(userID string)
}

type Options struct {
	Backend Backend
	Conn    Conn
	Store   Store
	// Calls learns the local user id alongside Store.
	Calls SelfSetter

	Email    string
	Password string

	// ReconnectAttempts is the number of redials after each unexpected
	// close. Zero disables reconnection.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// OnLogout runs after the server ends the session.
	OnLogout func()

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Status struct {
	UserID        string `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

type Manager struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*transport.Subscription

	mu           sync.Mutex
	user         api.User
	loggedIn     bool
	loggedOut    bool
	reconnecting bool
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		logger:  logger.With("component", "session"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	m.subs = []*transport.Subscription{
		opts.Conn.Subscribe(wire.KindConnectionOpen, func(wire.Event) { m.onOpen() }),
		opts.Conn.Subscribe(wire.KindConnectionClose, func(ev wire.Event) {
			if c, ok := ev.(wire.ConnectionClose); ok {
				m.onClose(c)
			}
		}),
		opts.Conn.Subscribe(wire.KindLogout, func(wire.Event) { m.onServerLogout() }),
	}
	return m
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{UserID: m.user.ID, Username: m.user.Username, Authenticated: m.loggedIn}
}

// Start authenticates and opens the websocket. An existing session cookie is
// reused when the backend still accepts it; otherwise the configured
// credentials are used.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.authenticate(ctx, true); err != nil {
		return err
	}
	if err := m.opts.Conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (m *Manager) authenticate(ctx context.Context, allowLogin bool) (api.User, error) {
	u, err := m.opts.Backend.AuthStatus(ctx)
	if errors.Is(err, api.ErrUnauthorized) && allowLogin && m.opts.Email != "" {
		m.logger.Info("no valid session, logging in", "email", m.opts.Email)
		u, err = m.opts.Backend.Login(ctx, m.opts.Email, m.opts.Password)
	}
	if err != nil {
		m.setLoggedIn(api.User{}, false)
		return api.User{}, fmt.Errorf("authenticate: %w", err)
	}

	m.setLoggedIn(u, true)
	m.opts.Store.SetSelf(u.ID)
	if m.opts.Calls != nil {
		m.opts.Calls.SetSelf(u.ID)
	}
	m.logger.Info("authenticated", "user_id", u.ID, "username", u.Username)
	return u, nil
}

func (m *Manager) setLoggedIn(u api.User, in bool) {
	m.mu.Lock()
	m.user = u
	m.loggedIn = in
	if in {
		m.loggedOut = false
	}
	m.mu.Unlock()
}

// Logout ends the backend session and closes the websocket. No reconnect
// follows.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.loggedOut = true
	m.mu.Unlock()

	err := m.opts.Backend.Logout(ctx)
	m.opts.Conn.Disconnect()
	m.setLoggedIn(api.User{}, false)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close stops background work. It does not close the connection.
func (m *Manager) Close() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) onOpen() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
		defer cancel()
		if err := m.opts.Store.Refresh(ctx, m.opts.Backend); err != nil {
			m.logger.Warn("snapshot refresh failed", "err", err)
		}
	}()
}

func (m *Manager) onClose(ev wire.ConnectionClose) {
	if ev.Initiated {
		return
	}
	m.mu.Lock()
	if m.loggedOut || m.reconnecting || m.opts.ReconnectAttempts <= 0 || m.ctx.Err() != nil {
		m.mu.Unlock()
		if m.opts.ReconnectAttempts <= 0 {
			m.logger.Warn("connection lost, reconnect disabled", "code", ev.Code)
		}
		return
	}
	m.reconnecting = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.reconnect(ev.Code)
	}()
}

// reconnect redials up to ReconnectAttempts times, re-validating the
// session before each dial. An auth failure ends the loop. The caller holds
// the reconnecting claim; every return path releases it.
func (m *Manager) reconnect(code int) {
	claimed := true
	defer func() {
		if claimed {
			m.setReconnecting(false)
		}
	}()
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.opts.ReconnectDelay):
		}
		m.mu.Lock()
		stop := m.loggedOut
		m.mu.Unlock()
		if stop {
			return
		}

		m.metrics.Inc(metrics.Reconnects)
		m.logger.Info("reconnecting", "attempt", attempt, "of", m.opts.ReconnectAttempts, "close_code", code)

		if _, err := m.authenticate(m.ctx, false); err != nil {
			m.logger.Warn("reconnect stopped: session no longer valid", "err", err)
			return
		}
		// A drop right after the redial must be able to start the next loop,
		// so the loop gives up its claim before dialing.
		m.setReconnecting(false)
		claimed = false
		err := m.opts.Conn.Connect(m.ctx)
		if err == nil {
			return
		}
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
		if claimed = m.claimReconnect(); !claimed {
			return
		}
	}
	m.logger.Error("giving up reconnecting", "attempts", m.opts.ReconnectAttempts)
}

func (m *Manager) setReconnecting(v bool) {
	m.mu.Lock()
	m.reconnecting = v
	m.mu.Unlock()
}

// claimReconnect marks a loop as running. It fails when another loop already
// has the claim.
func (m *Manager) claimReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnecting {
		return false
	}
	m.reconnecting = true
	return true
}

func (m *Manager) onServerLogout() {
	m.mu.Lock()
	m.loggedOut = true
	m.mu.Unlock()
	m.logger.Info("server ended the session")

	// Disconnect waits for the read loop, which is running this handler.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.opts.Conn.Disconnect()
		m.setLoggedIn(api.User{}, false)
		if m.opts.OnLogout != nil {
			m.opts.OnLogout()
		}
	}()
}
