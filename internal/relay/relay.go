// Package relay moves bytes between a client connection and a backend
// connection without looking at them.
package relay

import (
	"net"
	"sync"
	"sync/atomic"
)

const bufferSize = 1024

// Relay copies bytes in both directions between a and b until either side
// ends, then closes both connections so the opposite copy loop unblocks.
// It returns only when both directions have finished, reporting the bytes
// moved a->b and b->a. Read and write errors are expected peer behavior
// and end the session silently.
func Relay(a, b net.Conn) (aToB, bToA int64) {
	var once sync.Once
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}
	var wg sync.WaitGroup
	var fwd, rev atomic.Int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyLoop(b, a, &fwd)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		copyLoop(a, b, &rev)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return fwd.Load(), rev.Load()
}

// copyLoop is one relay direction. A zero-length read, read error, or
// write error terminates it; partial progress is counted but nothing is
// redelivered.
func copyLoop(dst, src net.Conn, moved *atomic.Int64) {
	buf := make([]byte, bufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			moved.Add(int64(w))
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
