package services

import (
	"math/rand"
	"testing"
)

func TestPaperNumberPriority(t *testing.T) {
	tests := []struct {
		largest int
		paper   int
		want    float64
	}{
		{largest: 100, paper: 17, want: 83},
		{largest: 100, paper: 100, want: 0},
		{largest: 100, paper: 1, want: 99},
		// Clamped at zero when the paper exceeds the largest known one.
		{largest: 50, paper: 60, want: 0},
	}

	for _, tt := range tests {
		got := paperNumberPriority(tt.largest, tt.paper)
		if got != tt.want {
			t.Errorf("paperNumberPriority(%d, %d) = %g, want %g", tt.largest, tt.paper, got, tt.want)
		}
	}
}

func TestShufflePriorityBounds(t *testing.T) {
	s := &priorityServiceImpl{rng: rand.New(rand.NewSource(1))}
	for i := 0; i < 10000; i++ {
		p := s.shufflePriority()
		if p < 0 || p >= PriorityBound {
			t.Fatalf("shufflePriority() = %g, want in [0, %g)", p, PriorityBound)
		}
	}
}

func TestShufflePriorityDeterministicSeed(t *testing.T) {
	a := &priorityServiceImpl{rng: rand.New(rand.NewSource(42))}
	b := &priorityServiceImpl{rng: rand.New(rand.NewSource(42))}
	for i := 0; i < 100; i++ {
		pa, pb := a.shufflePriority(), b.shufflePriority()
		if pa != pb {
			t.Fatalf("draw %d differs for identical seeds: %g vs %g", i, pa, pb)
		}
	}
}
