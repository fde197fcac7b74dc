package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/openkieler/lspool/internal/backend"
	"github.com/openkieler/lspool/internal/obs"
	"github.com/openkieler/lspool/internal/pool"
	"github.com/openkieler/lspool/internal/ratelimit"
	"github.com/openkieler/lspool/internal/watch"
)

func main() {
	if err := loadConfig(); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := cfg.validate(); err != nil {
		obs.Error("config.invalid", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("broker.start", obs.Fields{
		"jvm":  cfg.JavaPath,
		"jar":  cfg.JarPath,
		"port": cfg.ListenPort,
		"spawn": cfg.spawnRange.String(),
		"pool_max_size": cfg.PoolMaxSize,
		"pool_min_idle": cfg.PoolMinIdle,
	})

	state, err := newStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	mgr := &backend.Manager{
		JavaPath:       cfg.JavaPath,
		JarPath:        cfg.JarPath,
		Log4jConfig:    cfg.Log4jConfig,
		Ports:          cfg.spawnRange,
		StartupGrace:   cfg.StartupGrace,
		ConnectBackoff: cfg.ConnectBackoff,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	backends := pool.New(
		func() (pool.Backend, error) { return mgr.Spawn() },
		pool.Config{
			MaxSize:        cfg.PoolMaxSize,
			MinIdle:        cfg.PoolMinIdle,
			MaxLifetime:    cfg.PoolMaxLifetime,
			TestOnCheckout: cfg.TestOnCheckout,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := acquireListener(listenCandidates(cfg.ListenPort))
	if err != nil {
		obs.Error("listen.exhausted", obs.Fields{"port": cfg.ListenPort, "err": err.Error()})
		backends.Close()
		os.Exit(1)
	}
	defer ln.Close()

	if cfg.WatchJar {
		if err := watch.Jar(ctx, cfg.JarPath, func() {
			drained := backends.DrainIdle()
			obs.Info("pool.drained", obs.Fields{"jar": cfg.JarPath, "drained": drained})
		}); err != nil {
			obs.Warn("jarwatch.init", obs.Fields{"err": err.Error()})
		}
	}

	go startMetricsServer(cfg.MetricsAddr, state, backends)

	var limiter *ratelimit.ConnLimiter
	if cfg.ConnRate > 0 || cfg.ConnRatePerClient > 0 {
		limiter = ratelimit.NewConnLimiter(cfg.ConnRate, cfg.ConnRatePerClient, cfg.ConnBurst)
		go pruneLimiter(ctx, limiter)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); acceptLoop(ctx, ln, backends, state, limiter) }()

	state.setReady(true)
	obs.Info("broker.ready", obs.Fields{"addr": ln.Addr().String()})

	<-ctx.Done()
	obs.Info("broker.shutdown.signal", obs.Fields{})
	state.setClosing(true)
	_ = ln.Close()
	wg.Wait()
	backends.Close()
	obs.Info("broker.shutdown.complete", obs.Fields{})
}

// acceptLoop hands every accepted connection to its own session goroutine
// so a slow client can never block accept.
func acceptLoop(ctx context.Context, ln net.Listener, backends *pool.Pool, state StateStore, limiter *ratelimit.ConnLimiter) {
	var sessions sync.WaitGroup
	defer sessions.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			// Accept fails transiently under fd pressure (EMFILE) or when
			// a half-open client aborts; the broker must keep serving.
			obs.Error("accept.error", obs.Fields{"err": err.Error()})
			continue
		}
		if limiter != nil && !limiter.Allow(remoteIP(c)) {
			obs.Warn("accept.ratelimited", obs.Fields{"client": c.RemoteAddr().String()})
			obs.SessionFailuresTotal.WithLabelValues("ratelimited").Inc()
			_ = c.Close()
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			handleSession(c, backends, state)
		}()
	}
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.ConnLimiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			limiter.Prune()
		}
	}
}
