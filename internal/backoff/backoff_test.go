// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"testing"
	"time"
)

func TestExponentialWithoutJitterDoubles(t *testing.T) {
	e := NewExponential(time.Second, time.Hour)
	e.NoJitter = true

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d): expected %v got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestExponentialCapsAtMax(t *testing.T) {
	e := NewExponential(time.Second, 5*time.Second)
	e.NoJitter = true

	for _, attempt := range []int{4, 10, 200} {
		if got := e.Delay(attempt); got != 5*time.Second {
			t.Fatalf("Delay(%d): expected cap 5s got %v", attempt, got)
		}
	}
}

func TestExponentialJitterStaysInBounds(t *testing.T) {
	e := NewExponential(100*time.Millisecond, time.Second)

	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := e.ceiling(attempt)
		for i := 0; i < 50; i++ {
			got := e.Delay(attempt)
			if got < ceiling/2 || got > ceiling {
				t.Fatalf("Delay(%d)=%v outside [%v, %v]", attempt, got, ceiling/2, ceiling)
			}
		}
	}
}

func TestNewExponentialNormalizesInputs(t *testing.T) {
	e := NewExponential(0, 0)
	if e.Base != time.Second {
		t.Fatalf("expected default base 1s, got %v", e.Base)
	}

	e = NewExponential(3*time.Second, time.Second)
	if e.Max != 3*time.Second {
		t.Fatalf("expected max raised to base, got %v", e.Max)
	}
}

func TestConstant(t *testing.T) {
	c := Constant(250 * time.Millisecond)
	if got := c.Delay(7); got != 250*time.Millisecond {
		t.Fatalf("expected constant delay, got %v", got)
	}
}
