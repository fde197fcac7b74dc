// Package ports parses and draws from the port range used to place
// spawned language servers.
package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMissingSeparator is returned when the range text has no '-'.
	ErrMissingSeparator = errors.New("port range needs a '-' between start and end")
	// ErrStartLargerThanEnd is returned when the range is reversed.
	ErrStartLargerThanEnd = errors.New("port range end must not be smaller than start")
)

// InvalidIntegerError wraps the strconv failure for a half of the range.
type InvalidIntegerError struct {
	Text string
	Err  error
}

func (e *InvalidIntegerError) Error() string {
	return fmt.Sprintf("port %q is not an integer in 0-65535: %v", e.Text, e.Err)
}

func (e *InvalidIntegerError) Unwrap() error { return e.Err }

// Range is an inclusive, validated range of ports. Start <= End always
// holds once parsed.
type Range struct {
	Start uint16
	End   uint16

	mu  sync.Mutex
	rng *rand.Rand
}

// Parse reads "start-end" into a Range. Whitespace around either half is
// tolerated.
func Parse(text string) (*Range, error) {
	start, end, ok := strings.Cut(text, "-")
	if !ok {
		return nil, ErrMissingSeparator
	}
	s, err := parsePort(strings.TrimSpace(start))
	if err != nil {
		return nil, err
	}
	e, err := parsePort(strings.TrimSpace(end))
	if err != nil {
		return nil, err
	}
	if s > e {
		return nil, ErrStartLargerThanEnd
	}
	return &Range{Start: s, End: e, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

func parsePort(text string) (uint16, error) {
	v, err := strconv.ParseUint(text, 10, 16)
	if err != nil {
		return 0, &InvalidIntegerError{Text: text, Err: err}
	}
	return uint16(v), nil
}

// PickRandom draws a port uniformly from [Start, End]. The chosen port is
// not checked for availability; callers must tolerate bind failures.
func (r *Range) PickRandom() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Start + uint16(r.rng.Intn(int(r.End-r.Start)+1))
}

func (r *Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}
