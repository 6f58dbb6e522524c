package clock

import "testing"

func TestSeqNumLess(t *testing.T) {
	cases := []struct {
		a, b SeqNum
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{0xffff, 0, true},
		{0, 0xffff, false},
		{0xfff0, 0x0010, true},
		{0, 0x7fff, true},
		{0, 0x8000, false},
		{0x8001, 0, true},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%#x < %#x: got %v want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSeqNumNextWraps(t *testing.T) {
	s := SeqNum(0xffff)
	n := s.Next()
	if n != 0 {
		t.Fatalf("expected wrap to 0, got %d", n)
	}
	if !s.Less(n) {
		t.Fatalf("next must compare greater than previous")
	}
	if !n.Greater(s) || !s.LessOrEqual(s) {
		t.Fatalf("comparison helpers disagree")
	}
}

func TestAtomicClockWraps(t *testing.T) {
	c := NewAtomic(0xfffe)
	if got := c.Next(); got != 0xffff {
		t.Fatalf("got %#x", got)
	}
	if got := c.Next(); got != 0 {
		t.Fatalf("expected wrap to 0, got %#x", got)
	}
	if c.Val() != 0 {
		t.Fatalf("val after wrap = %d", c.Val())
	}
}
