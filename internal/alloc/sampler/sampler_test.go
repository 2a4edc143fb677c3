package sampler

import (
	"math"
	"testing"
)

func TestDeterminism(t *testing.T) {
	s := New(Every8)
	addrs := []uintptr{0x1000, 0xBADBEEF, 0xDEADBEEF00, 0x7fff00000000}
	for _, a := range addrs {
		want := s.ShouldTrack(a)
		for i := 0; i < 100; i++ {
			if got := s.ShouldTrack(a); got != want {
				t.Fatalf("ShouldTrack(%#x) not deterministic: call %d got %v want %v", a, i, got, want)
			}
		}
	}
}

func TestRateConcentration(t *testing.T) {
	const (
		n = 100000
		r = 8
	)
	s := New(Every8)
	tracked := 0
	// deterministic pseudo-random sweep using a xorshift generator, avoiding any
	// dependency on math/rand's global state.
	x := uint64(88172645463325252)
	for i := 0; i < n; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		addr := uintptr(x)
		if addr == 0 {
			addr = 1
		}
		if s.ShouldTrack(addr) {
			tracked++
		}
	}
	frac := float64(tracked) / float64(n)
	delta := 0.5/float64(r) + 1/math.Sqrt(float64(n))
	lo, hi := 1.0/float64(r)-delta, 1.0/float64(r)+delta
	if frac < lo || frac > hi {
		t.Fatalf("tracked fraction %.5f outside (%.5f, %.5f)", frac, lo, hi)
	}
}

func TestRate8Distribution(t *testing.T) {
	s := New(Every8)
	tracked := 0
	for i := 0; i < 100000; i++ {
		if s.ShouldTrack(uintptr(i) * 64) {
			tracked++
		}
	}
	if tracked < 10500 || tracked > 13000 {
		t.Fatalf("tracked = %d, want in [10500, 13000]", tracked)
	}
}

func TestAlignmentAwareAlwaysTracksPages(t *testing.T) {
	s := New(Every512)
	page := uintptr(0x7f0000001000)
	if !s.ShouldTrackAlignmentAware(page) {
		t.Fatalf("page-aligned address must always be tracked")
	}
}

func TestAlignmentBiasedTiersAlwaysTracksPages(t *testing.T) {
	s := New(Every512)
	if !s.ShouldTrackWithAlignmentBias(0x1000) {
		t.Fatalf("4096-aligned address must always be tracked")
	}
}

func TestRateNormalizesToPowerOfTwo(t *testing.T) {
	s := New(Rate(100))
	if s.Rate() != Every64 {
		t.Fatalf("Rate(100) normalized to %v, want %v", s.Rate(), Every64)
	}
}

func TestZeroRateTracksEverything(t *testing.T) {
	s := New(Rate(0))
	if s.Rate() != Every1 {
		t.Fatalf("Rate(0) should normalize to Every1, got %v", s.Rate())
	}
	for i := uintptr(1); i < 1000; i++ {
		if !s.ShouldTrack(i) {
			t.Fatalf("Every1 sampler failed to track %#x", i)
		}
	}
}
