package core

import "testing"

func TestNumBridgesPerAnswer(t *testing.T) {
	cases := []struct {
		ringLen, requested, want int
	}{
		{ringLen: 5, requested: 3, want: 1},
		{ringLen: 19, requested: 3, want: 1},
		{ringLen: 20, requested: 1, want: 1},
		{ringLen: 20, requested: 3, want: 2},
		{ringLen: 99, requested: 3, want: 2},
		{ringLen: 100, requested: 3, want: 3},
	}
	for _, c := range cases {
		got := NumBridgesPerAnswer(c.ringLen, c.requested)
		if got != c.want {
			t.Errorf("NumBridgesPerAnswer(%d, %d) = %d, want %d", c.ringLen, c.requested, got, c.want)
		}
	}
}
