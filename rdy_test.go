package nsq

import (
	"math/rand"
	"testing"
	"time"
)

func TestPerConnMaxInFlight(t *testing.T) {
	cases := []struct {
		maxInFlight int64
		n           int
		want        int64
	}{
		{0, 4, 0},
		{10, 0, 10},
		{10, 4, 2},
		{10, 20, 1},
		{1, 1, 1},
		{100, 3, 33},
	}
	for _, c := range cases {
		got := perConnMaxInFlight(c.maxInFlight, c.n)
		if got != c.want {
			t.Errorf("perConnMaxInFlight(%d, %d) = %d, want %d", c.maxInFlight, c.n, got, c.want)
		}
	}
}

func TestMaxBackoffLevel(t *testing.T) {
	if got := maxBackoffLevel(0); got < 1 {
		t.Errorf("maxBackoffLevel(0) = %d, want >= 1", got)
	}
	if got := maxBackoffLevel(2 * time.Minute); got < 1 {
		t.Errorf("maxBackoffLevel(2m) = %d, want >= 1", got)
	}
	// larger durations should never produce a smaller level
	small := maxBackoffLevel(30 * time.Second)
	large := maxBackoffLevel(10 * time.Minute)
	if large < small {
		t.Errorf("expected maxBackoffLevel to grow with duration: small=%d large=%d", small, large)
	}
}

func TestComputeBackoffDurationClampsToMax(t *testing.T) {
	d := computeBackoffDuration(time.Second, 10, 0, 5*time.Second)
	if d != 5*time.Second {
		t.Errorf("computeBackoffDuration = %s, want clamped to 5s", d)
	}
}

func TestComputeBackoffDurationGrowsWithCounter(t *testing.T) {
	d0 := computeBackoffDuration(time.Second, 0, 0, time.Hour)
	d1 := computeBackoffDuration(time.Second, 1, 0, time.Hour)
	d2 := computeBackoffDuration(time.Second, 2, 0, time.Hour)
	if !(d0 < d1 && d1 < d2) {
		t.Errorf("expected strictly increasing backoff durations, got %s, %s, %s", d0, d1, d2)
	}
}

func TestRdyJitterBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	multiplier := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		j := rdyJitter(rng, multiplier)
		if j < 0 || j >= multiplier {
			t.Fatalf("rdyJitter out of bounds: %s", j)
		}
	}
}

func TestRdyJitterZeroMultiplier(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if j := rdyJitter(rng, 0); j != 0 {
		t.Errorf("rdyJitter(0) = %s, want 0", j)
	}
}
