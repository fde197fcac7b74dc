package ports

import (
	"errors"
	"testing"
)

func TestParseValid(t *testing.T) {
	cases := []struct {
		text       string
		start, end uint16
	}{
		{"5008-65535", 5008, 65535},
		{"0-0", 0, 0},
		{"1-1", 1, 1},
		{" 80 - 90 ", 80, 90},
		{"0-65535", 0, 65535},
	}
	for _, c := range cases {
		r, err := Parse(c.text)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", c.text, err)
			continue
		}
		if r.Start != c.start || r.End != c.end {
			t.Errorf("Parse(%q) = %d-%d, want %d-%d", c.text, r.Start, r.End, c.start, c.end)
		}
	}
}

func TestParseMissingSeparator(t *testing.T) {
	for _, text := range []string{"5008", "", "all"} {
		if _, err := Parse(text); !errors.Is(err, ErrMissingSeparator) {
			t.Errorf("Parse(%q) = %v, want ErrMissingSeparator", text, err)
		}
	}
}

func TestParseInvalidInteger(t *testing.T) {
	var invalid *InvalidIntegerError
	for _, text := range []string{"a-100", "100-b", "-100", "100-", "70000-80000", "-1-100"} {
		_, err := Parse(text)
		if !errors.As(err, &invalid) {
			t.Errorf("Parse(%q) = %v, want InvalidIntegerError", text, err)
		}
	}
}

func TestParseStartLargerThanEnd(t *testing.T) {
	for _, text := range []string{"100-99", "65535-0"} {
		if _, err := Parse(text); !errors.Is(err, ErrStartLargerThanEnd) {
			t.Errorf("Parse(%q) = %v, want ErrStartLargerThanEnd", text, err)
		}
	}
}

func TestPickRandomStaysInRange(t *testing.T) {
	r, err := Parse("5008-5017")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	seen := make(map[uint16]bool)
	for i := 0; i < 5000; i++ {
		p := r.PickRandom()
		if p < r.Start || p > r.End {
			t.Fatalf("PickRandom returned %d outside %s", p, r)
		}
		seen[p] = true
	}
	// Both inclusive ends should show up over this many draws.
	if !seen[r.Start] || !seen[r.End] {
		t.Errorf("PickRandom never hit a range boundary: start=%v end=%v", seen[r.Start], seen[r.End])
	}
}

func TestPickRandomSinglePort(t *testing.T) {
	r, err := Parse("6000-6000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for i := 0; i < 100; i++ {
		if p := r.PickRandom(); p != 6000 {
			t.Fatalf("PickRandom on single-port range returned %d", p)
		}
	}
}
