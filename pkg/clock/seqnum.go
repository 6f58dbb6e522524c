package clock

// SeqNum is a 16-bit sequence number compared on a circle: a is older
// than b when b lies less than half the space ahead of a.
type SeqNum uint16

const half = 1 << 15

func (s SeqNum) Less(o SeqNum) bool {
	switch {
	case s < o:
		return o-s < half
	case s > o:
		return s-o > half
	default:
		return false
	}
}

func (s SeqNum) LessOrEqual(o SeqNum) bool {
	return s == o || s.Less(o)
}

func (s SeqNum) Greater(o SeqNum) bool {
	return o.Less(s)
}

// Next returns s+1, wrapping past 0xffff.
func (s SeqNum) Next() SeqNum {
	return s + 1
}
