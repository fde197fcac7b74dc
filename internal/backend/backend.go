// Package backend spawns and owns language server processes. A Handle
// wraps one spawned JVM plus the loopback port it was told to listen on.
package backend

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/openkieler/lspool/internal/obs"
	"github.com/openkieler/lspool/internal/ports"
)

var (
	// ErrBackendExited is returned by Connect when the backend process is
	// gone before a connection could be established. Retrying further is
	// pointless at that point.
	ErrBackendExited = errors.New("backend process exited before accepting a connection")
	// ErrConnectTimeout is returned when a configured overall connect
	// timeout elapses while the backend is still starting up.
	ErrConnectTimeout = errors.New("timed out waiting for backend to accept a connection")
)

const dialAttemptTimeout = 500 * time.Millisecond

// Manager holds everything needed to spawn new backends.
type Manager struct {
	JavaPath    string
	JarPath     string
	Log4jConfig string
	Ports       *ports.Range

	// StartupGrace is slept after spawning, before the handle is handed
	// out; the backend has no readiness signal other than accepting
	// connections.
	StartupGrace time.Duration
	// ConnectBackoff is the sleep between connect attempts while the
	// backend's listener is not up yet.
	ConnectBackoff time.Duration
	// ConnectTimeout bounds the whole connect loop; zero means retry until
	// the backend process itself exits.
	ConnectTimeout time.Duration
}

// Spawn launches a backend on a random port from the configured range and
// waits the startup grace period. It does not wait for the backend to
// become network-ready.
func (m *Manager) Spawn() (*Handle, error) {
	port := m.Ports.PickRandom()
	cmd := exec.Command(m.JavaPath,
		fmt.Sprintf("-Dport=%d", port),
		"-Dfile.encoding=UTF-8",
		"-Djava.awt.headless=true",
		"-Dlog4j.configuration=file:"+m.Log4jConfig,
		"-XX:+IgnoreUnrecognizedVMOptions",
		"-XX:+ShowCodeDetailsInExceptionMessages",
		"-jar", m.JarPath,
	)
	obs.Info("backend.spawn", obs.Fields{"port": port, "cmd": cmd.String()})
	if err := cmd.Start(); err != nil {
		obs.Error("backend.spawn.failed", obs.Fields{"port": port, "err": err.Error()})
		obs.SpawnFailuresTotal.Inc()
		return nil, fmt.Errorf("spawn backend on port %d: %w", port, err)
	}
	h := newHandle(cmd, port, m.ConnectBackoff, m.ConnectTimeout)
	obs.BackendsSpawnedTotal.Inc()
	h.WaitForStartup(m.StartupGrace)
	return h, nil
}

// newHandle wraps an already-started process. It installs a reaper so that
// liveness polls never see a zombie and Close never waits on an
// already-collected process.
func newHandle(cmd *exec.Cmd, port uint16, backoff, timeout time.Duration) *Handle {
	h := &Handle{
		cmd:            cmd,
		port:           port,
		created:        time.Now(),
		exited:         make(chan struct{}),
		connectBackoff: backoff,
		connectTimeout: timeout,
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			obs.Debug("backend.exited", obs.Fields{"port": port, "err": err.Error()})
		}
		close(h.exited)
	}()
	return h
}

// Handle owns one spawned backend process. It is held exclusively by the
// pool while idle and by exactly one session while checked out.
type Handle struct {
	cmd     *exec.Cmd
	port    uint16
	created time.Time
	exited  chan struct{}

	connectBackoff time.Duration
	connectTimeout time.Duration

	closeMu sync.Mutex
	closed  bool
}

// Port returns the loopback port the backend was told to listen on.
func (h *Handle) Port() uint16 { return h.port }

// Age returns how long ago the backend was spawned.
func (h *Handle) Age() time.Duration { return time.Since(h.created) }

// WaitForStartup gives the freshly spawned backend time to initialize. It
// returns early when the process exits during the grace period.
func (h *Handle) WaitForStartup(grace time.Duration) {
	if grace <= 0 {
		return
	}
	select {
	case <-h.exited:
	case <-time.After(grace):
	}
}

// Healthy reports whether the backend process is still running. This is a
// non-blocking poll.
func (h *Handle) Healthy() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Connect opens a TCP connection to the backend, trying IPv6 loopback then
// IPv4 loopback. While the backend's listener is not up yet it sleeps the
// configured backoff and retries; when the backend process has exited it
// fails immediately with ErrBackendExited. The label tags log lines with
// the session this connect belongs to.
func (h *Handle) Connect(label string) (net.Conn, error) {
	addrs := []string{
		net.JoinHostPort("::1", fmt.Sprintf("%d", h.port)),
		net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", h.port)),
	}
	var deadline time.Time
	if h.connectTimeout > 0 {
		deadline = time.Now().Add(h.connectTimeout)
	}
	obs.Debug("backend.connect", obs.Fields{"label": label, "port": h.port})
	for {
		for _, addr := range addrs {
			conn, err := net.DialTimeout("tcp", addr, dialAttemptTimeout)
			if err == nil {
				obs.Info("backend.connected", obs.Fields{"label": label, "addr": conn.RemoteAddr().String()})
				return conn, nil
			}
		}
		if !h.Healthy() {
			obs.Error("backend.connect.exited", obs.Fields{"label": label, "port": h.port})
			return nil, ErrBackendExited
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			obs.Error("backend.connect.timeout", obs.Fields{"label": label, "port": h.port})
			return nil, ErrConnectTimeout
		}
		obs.ConnectRetriesTotal.Inc()
		obs.Debug("backend.connect.retry", obs.Fields{"label": label, "port": h.port})
		time.Sleep(h.connectBackoff)
	}
}

// Close terminates the backend process: kill, then wait only if the kill
// succeeded. Waiting on a process that refused to die would hang the pool,
// so a failed kill is logged and the handle is discarded regardless.
func (h *Handle) Close() error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	select {
	case <-h.exited:
		// Already gone and reaped.
		obs.Debug("backend.close.already_exited", obs.Fields{"port": h.port})
		return nil
	default:
	}
	obs.Debug("backend.kill", obs.Fields{"port": h.port})
	if err := h.cmd.Process.Kill(); err != nil {
		obs.Warn("backend.kill.failed", obs.Fields{"port": h.port, "err": err.Error()})
		return err
	}
	<-h.exited
	obs.Debug("backend.closed", obs.Fields{"port": h.port})
	return nil
}
