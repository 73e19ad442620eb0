package wire

// Sequence numbers wrap at 2^32 (§8); comparisons treat wrap-around within a
// window of 2^31, the same trick TCP uses for its sequence space.

// SeqGreater reports whether a comes strictly after b in wrap-aware order.
func SeqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqLess reports whether a comes strictly before b in wrap-aware order.
func SeqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqDistance returns how far ahead a is of b (negative if a is behind b),
// wrap-aware.
func SeqDistance(a, b uint32) int32 {
	return int32(a - b)
}
