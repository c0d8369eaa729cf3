package oscore

// replayWindowSize is the sliding window width of RFC 8613 Section 7.4
// (the anti-replay window of RFC 4303 Section 3.4.3 with a 32-bit bitmap).
const replayWindowSize = 32

// replayWindow tracks received Partial IVs for the recipient context.
// Bit i of seen is set when sequence number highest-i was accepted.
type replayWindow struct {
	initialized bool
	highest     uint64
	seen        uint32
}

// check reports whether seq is acceptable: newer than every seen value, or
// inside the window and not yet seen.
func (w *replayWindow) check(seq uint64) bool {
	if !w.initialized || seq > w.highest {
		return true
	}

	diff := w.highest - seq
	if diff >= replayWindowSize {
		return false
	}

	return w.seen&(1<<diff) == 0
}

// update records seq as received. Only call after a successful decryption
// so that forged messages cannot advance the window.
func (w *replayWindow) update(seq uint64) {
	switch {
	case !w.initialized:
		w.initialized = true
		w.highest = seq
		w.seen = 1
	case seq > w.highest:
		shift := seq - w.highest
		if shift >= replayWindowSize {
			w.seen = 1
		} else {
			w.seen = w.seen<<shift | 1
		}
		w.highest = seq
	default:
		w.seen |= 1 << (w.highest - seq)
	}
}
