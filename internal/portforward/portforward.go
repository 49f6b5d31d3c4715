// Package portforward exposes local services through SSH reverse forwards on
// the relay host. Each configured port map opens a remote listener on the
// relay and proxies accepted connections to the local port.
package portforward

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"tuxagent/internal/client"
	"tuxagent/pkg/config"
)

const redialDelay = 15 * time.Second

// Manager maintains the SSH connection to the relay and its reverse forwards.
type Manager struct {
	relay  string
	cfg    config.PortForwardConfig
	log    zerolog.Logger
	serial string

	mu   sync.Mutex
	conn *ssh.Client

	done     chan struct{}
	doneOnce sync.Once
}

// InitFromConfig builds the manager and registers its teardown with the
// engine. Returns nil when port forwarding is disabled or has no port maps.
func InitFromConfig(engine *client.Client, cfg *config.Config, log zerolog.Logger) *Manager {
	if !cfg.PortForward.Enabled || len(cfg.PortForward.Ports) == 0 {
		log.Debug().Msg("Port forwarding disabled")
		return nil
	}
	m := &Manager{
		relay:  cfg.PortForward.Relay,
		cfg:    cfg.PortForward,
		log:    log,
		serial: engine.Serial(),
		done:   make(chan struct{}),
	}
	engine.OnClose(m.Close)
	go m.run()
	return m
}

// Close tears down the SSH connection and stops the redial loop. Idempotent.
func (m *Manager) Close() {
	m.doneOnce.Do(func() {
		close(m.done)
	})
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// run dials the relay and re-dials after connection loss until closed.
func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := m.connect(); err != nil {
			m.log.Debug().Err(err).Str("relay", m.relay).Msg("Relay connection failed")
		}

		select {
		case <-m.done:
			return
		case <-time.After(redialDelay):
		}
	}
}

// connect dials the relay, opens every configured reverse forward, and blocks
// until the SSH connection drops.
func (m *Manager) connect() error {
	keyData, err := os.ReadFile(m.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("reading key %s: %w", m.cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return fmt.Errorf("parsing key %s: %w", m.cfg.KeyFile, err)
	}

	hostKeyCallback, err := hostKeyCallback(m.cfg.KnownHosts)
	if err != nil {
		return fmt.Errorf("setting up host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User: m.cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", m.relay, sshConfig)
	if err != nil {
		return fmt.Errorf("SSH dial to %s: %w", m.relay, err)
	}
	m.log.Info().Str("relay", m.relay).Str("serial", m.serial).Msg("Relay connected")

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	var listeners []net.Listener
	for _, pm := range m.cfg.Ports {
		listener, err := conn.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", pm.RemotePort))
		if err != nil {
			m.log.Error().Err(err).
				Str("service", pm.Name).
				Int("remote_port", pm.RemotePort).
				Msg("Failed to open reverse forward")
			continue
		}
		listeners = append(listeners, listener)
		m.log.Info().
			Str("service", pm.Name).
			Int("remote_port", pm.RemotePort).
			Int("local_port", pm.LocalPort).
			Msg("Reverse forward open")
		go m.accept(listener, pm)
	}

	err = conn.Wait()
	for _, l := range listeners {
		l.Close()
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	return err
}

// accept proxies each connection from the relay to the local service port.
func (m *Manager) accept(listener net.Listener, pm config.PortMap) {
	for {
		remote, err := listener.Accept()
		if err != nil {
			return
		}
		go m.proxy(remote, pm)
	}
}

func (m *Manager) proxy(remote net.Conn, pm config.PortMap) {
	defer remote.Close()

	local, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", pm.LocalPort), 10*time.Second)
	if err != nil {
		m.log.Warn().Err(err).
			Str("service", pm.Name).
			Int("local_port", pm.LocalPort).
			Msg("Local service unavailable")
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	<-done
}

// hostKeyCallback verifies the relay against the known_hosts file when it
// exists. A freshly provisioned device has no pinned key yet and accepts the
// relay's key on first use.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); err != nil {
		if os.IsNotExist(err) {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, err
	}
	return knownhosts.New(knownHostsPath)
}
