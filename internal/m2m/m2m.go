// Package m2m maintains the device's connection to the m2m tunneling service
// and announces the server-assigned identity to the management server. The
// tunneling protocol itself lives on the relay side; the agent only holds the
// link open and keeps the server's view of the identity current.
package m2m

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"tuxagent/internal/client"
	"tuxagent/pkg/config"
)

const reconnectDelay = 10 * time.Second

// Manager owns the websocket link to the m2m service.
type Manager struct {
	url    string
	engine *client.Client
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string

	done     chan struct{}
	doneOnce sync.Once
}

// InitFromConfig builds the manager and registers its teardown with the
// engine. Returns nil when m2m is disabled.
func InitFromConfig(engine *client.Client, cfg *config.Config, log zerolog.Logger) *Manager {
	if !cfg.M2M.Enabled {
		log.Debug().Msg("M2M tunneling disabled")
		return nil
	}
	m := &Manager{
		url:    cfg.M2M.URL,
		engine: engine,
		log:    log,
		done:   make(chan struct{}),
	}
	engine.OnClose(m.Close)
	go m.run()
	return m
}

// Identity returns the current server-assigned identity, or "" when not
// connected.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Close tears down the connection and stops the reconnect loop. Idempotent.
func (m *Manager) Close() {
	m.doneOnce.Do(func() {
		close(m.done)
	})
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "agent shutdown")
	}
	// Clearing the identity tells the server the tunnel is gone.
	m.engine.SetM2MIdentity(context.Background(), "")
}

// run dials the m2m service and re-dials after connection loss until closed.
func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := m.connect(); err != nil {
			m.log.Debug().Err(err).Str("url", m.url).Msg("M2M connection failed")
		}

		select {
		case <-m.done:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connect dials the service, reads the identity frame, announces it, and then
// holds the link open until it drops.
func (m *Manager) connect() error {
	dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, m.url, nil)
	cancel()
	if err != nil {
		return err
	}

	// The first frame from the service is the assigned identity.
	readCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no identity frame")
		return err
	}
	identity := hex.EncodeToString(data)

	m.mu.Lock()
	m.conn = conn
	m.identity = identity
	m.mu.Unlock()

	m.log.Info().Str("identity", identity).Msg("M2M identity assigned")
	m.engine.SetM2MIdentity(context.Background(), identity)

	// Hold the link open. Control frames keep it alive; any read error means
	// the connection dropped and the loop re-dials.
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			break
		}
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.identity = ""
	}
	m.mu.Unlock()
	return nil
}
