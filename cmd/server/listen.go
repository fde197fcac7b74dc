package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/openkieler/lspool/internal/obs"
	"golang.org/x/sys/unix"
)

// ErrListenExhausted means every listen candidate failed.
var ErrListenExhausted = errors.New("out of socket candidates to listen on")

// listenCandidate is one bind attempt. The IPv6 candidate sets
// IPV6_V6ONLY so it never implicitly serves IPv4; the candidates are tried
// as independent alternatives, not a shared dual-stack socket, which keeps
// behavior identical across platforms with different dual-stack defaults.
type listenCandidate struct {
	network string
	addr    string
	v6only  bool
}

func listenCandidates(port int) []listenCandidate {
	return []listenCandidate{
		{network: "tcp6", addr: fmt.Sprintf("[::]:%d", port), v6only: true},
		{network: "tcp4", addr: fmt.Sprintf("0.0.0.0:%d", port)},
	}
}

// acquireListener tries each candidate in order and returns the first that
// binds. Per-candidate failures are logged and skipped, not retried.
func acquireListener(cands []listenCandidate) (net.Listener, error) {
	for _, cand := range cands {
		lc := net.ListenConfig{}
		if cand.v6only {
			lc.Control = setV6Only
		}
		ln, err := lc.Listen(context.Background(), cand.network, cand.addr)
		if err != nil {
			obs.Error("listen.candidate", obs.Fields{"addr": cand.addr, "network": cand.network, "err": err.Error()})
			continue
		}
		obs.Info("listen.bound", obs.Fields{"addr": ln.Addr().String(), "network": cand.network})
		return ln, nil
	}
	return nil, ErrListenExhausted
}

func setV6Only(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}); err != nil {
		return err
	}
	return opErr
}
