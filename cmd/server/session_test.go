package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/openkieler/lspool/internal/pool"
)

// echoBackend stands in for a spawned language server: a real TCP listener
// that echoes everything back, so relayed bytes can be verified per
// session.
type echoBackend struct {
	ln      net.Listener
	mu      sync.Mutex
	healthy bool
}

func spawnEcho() (pool.Backend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &echoBackend{ln: ln, healthy: true}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return b, nil
}

func (b *echoBackend) Connect(label string) (net.Conn, error) {
	return net.Dial("tcp", b.ln.Addr().String())
}

func (b *echoBackend) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

func (b *echoBackend) Close() error {
	b.mu.Lock()
	b.healthy = false
	b.mu.Unlock()
	return b.ln.Close()
}

// brokenBackend accepts checkout but can never be connected to.
type brokenBackend struct{}

func (brokenBackend) Connect(label string) (net.Conn, error) {
	return nil, errors.New("backend gone")
}
func (brokenBackend) Healthy() bool { return true }
func (brokenBackend) Close() error  { return nil }

// startBroker wires a listener, pool and state store the way main does and
// returns the client-facing address.
func startBroker(t *testing.T, spawn pool.SpawnFunc, maxSize int) (addr string, state *brokerState, p *pool.Pool) {
	t.Helper()
	state = newBrokerState()
	p = pool.New(spawn, pool.Config{MaxSize: maxSize, TestOnCheckout: true, SweepInterval: time.Hour})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
		p.Close()
	})
	go acceptLoop(ctx, ln, p, state, nil)
	return ln.Addr().String(), state, p
}

// scriptedListener feeds acceptLoop a canned sequence of accept results.
type scriptedListener struct {
	results chan acceptResult
	closed  chan struct{}
	once    sync.Once
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newScriptedListener() *scriptedListener {
	return &scriptedListener{results: make(chan acceptResult, 4), closed: make(chan struct{})}
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	select {
	case r := <-l.results:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5007}
}

func TestAcceptLoopSurvivesTransientError(t *testing.T) {
	state := newBrokerState()
	p := pool.New(spawnEcho, pool.Config{MaxSize: 1, SweepInterval: time.Hour})
	ln := newScriptedListener()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
		p.Close()
	})

	client, server := net.Pipe()
	defer client.Close()
	// One fd-exhaustion failure, then a real client: the loop must log the
	// error and go on to serve the client instead of returning.
	ln.results <- acceptResult{err: &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}}
	ln.results <- acceptResult{conn: server}

	loopDone := make(chan struct{})
	go func() {
		acceptLoop(ctx, ln, p, state, nil)
		close(loopDone)
	}()

	msg := []byte("still serving")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, len(msg))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("accept loop stopped serving after a transient error: %v", err)
	}
	if !bytes.Equal(echo, msg) {
		t.Fatalf("echo = %q, want %q", echo, msg)
	}

	client.Close()
	ln.Close()
	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit after listener close")
	}
}

func TestSessionRelaysAndReleases(t *testing.T) {
	addr, state, p := startBroker(t, spawnEcho, 2)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	payload := []byte("textDocument/didOpen")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Fatalf("echo = %q, want %q", echo, payload)
	}
	conn.Close()

	// After the relay ends, the backend goes back to the pool.
	deadline := time.Now().Add(5 * time.Second)
	for {
		idle, out := p.Stats()
		if idle == 1 && out == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend not released: idle=%d out=%d", idle, out)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if active, total, _ := state.getStats(); active != 0 || total != 1 {
		t.Errorf("state = (%d active, %d total), want (0, 1)", active, total)
	}
}

func TestSimultaneousSessionsNoCrossTalk(t *testing.T) {
	addr, _, _ := startBroker(t, spawnEcho, 2)

	const clients = 2
	var ready, proceed sync.WaitGroup
	ready.Add(clients)
	proceed.Add(1)
	errs := make(chan error, clients)

	for i := 0; i < clients; i++ {
		go func(i int) {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- fmt.Errorf("dial: %w", err)
				ready.Done()
				return
			}
			defer conn.Close()
			payload := bytes.Repeat([]byte{byte('A' + i)}, 2048)
			if _, err := conn.Write(payload); err != nil {
				errs <- fmt.Errorf("write: %w", err)
				ready.Done()
				return
			}
			echo := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, echo); err != nil {
				errs <- fmt.Errorf("read: %w", err)
				ready.Done()
				return
			}
			if !bytes.Equal(echo, payload) {
				errs <- fmt.Errorf("client %d got bytes from another session", i)
				ready.Done()
				return
			}
			// Hold the session open until the other client has also been
			// echoed, proving the sessions were in flight simultaneously.
			ready.Done()
			proceed.Wait()
			errs <- nil
		}(i)
	}

	done := make(chan struct{})
	go func() { ready.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("clients were not served in parallel")
	}
	proceed.Done()
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestSessionAcquireFailureDropsClient(t *testing.T) {
	spawn := func() (pool.Backend, error) { return nil, errors.New("no jvm") }
	addr, state, _ := startBroker(t, spawn, 1)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	defer conn.Close()
	// The broker closes the connection without sending anything.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil || n > 0 {
		t.Fatalf("expected closed connection with no data, got n=%d err=%v", n, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, failures := state.getStats(); failures == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("acquire failure not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionIDsNeverEmpty(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := randomID(8)
		if id == "" {
			t.Fatal("empty session id")
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestSessionConnectFailureDiscardsBackend(t *testing.T) {
	spawn := func() (pool.Backend, error) { return brokenBackend{}, nil }
	addr, state, p := startBroker(t, spawn, 1)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil || n > 0 {
		t.Fatalf("expected closed connection with no data, got n=%d err=%v", n, err)
	}
	// The unreachable backend must have been discarded, freeing capacity.
	deadline := time.Now().Add(5 * time.Second)
	for {
		idle, out := p.Stats()
		if idle == 0 && out == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broken backend not discarded: idle=%d out=%d", idle, out)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, _, failures := state.getStats(); failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
}
