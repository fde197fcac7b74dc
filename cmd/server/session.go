package main

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"strconv"
	"time"

	"github.com/openkieler/lspool/internal/obs"
	"github.com/openkieler/lspool/internal/pool"
	"github.com/openkieler/lspool/internal/relay"
)

// handleSession serves one accepted client connection end to end: acquire
// a pooled backend, connect to it, relay bytes until either side closes,
// then return the backend to the pool. Every failure path is isolated to
// this session; the client just sees its connection close.
func handleSession(client net.Conn, p *pool.Pool, state StateStore) {
	peer := "unknown"
	if addr := client.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	id := randomID(8)
	obs.SessionsTotal.Inc()
	obs.Debug("session.start", obs.Fields{"id": id, "client": peer})

	b, err := p.Acquire()
	if err != nil {
		obs.Error("session.acquire", obs.Fields{"id": id, "client": peer, "err": err.Error()})
		obs.SessionFailuresTotal.WithLabelValues("acquire").Inc()
		state.recordFailure("acquire")
		_ = client.Close()
		return
	}

	backendConn, err := b.Connect(peer)
	if err != nil {
		obs.Error("session.connect", obs.Fields{"id": id, "client": peer, "err": err.Error()})
		obs.SessionFailuresTotal.WithLabelValues("connect").Inc()
		state.recordFailure("connect")
		_ = client.Close()
		// The backend could not be reached; it must not go back into
		// rotation.
		p.Discard(b)
		return
	}

	info := &sessionInfo{id: id, clientAddr: peer, started: time.Now()}
	if bp, ok := b.(interface{ Port() uint16 }); ok {
		info.backendPort = bp.Port()
	}
	state.registerSession(info)
	obs.ActiveSessions.Inc()
	obs.Info("session.relaying", obs.Fields{"id": id, "client": peer, "backend": backendConn.RemoteAddr().String()})

	fromClient, fromBackend := relay.Relay(client, backendConn)

	obs.ActiveSessions.Dec()
	obs.RelayBytesTotal.WithLabelValues("client_to_backend").Add(float64(fromClient))
	obs.RelayBytesTotal.WithLabelValues("backend_to_client").Add(float64(fromBackend))
	obs.SessionDurationSeconds.Observe(time.Since(info.started).Seconds())
	state.endSession(id)
	p.Release(b)
	obs.Info("session.done", obs.Fields{"id": id, "client": peer, "client_to_backend": fromClient, "backend_to_client": fromBackend})
}

// randomID returns a hex string of n random bytes (2n chars). If the
// system random source fails, a timestamp-derived id keeps sessions
// distinguishable instead of all colliding on one value.
func randomID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "t" + strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
