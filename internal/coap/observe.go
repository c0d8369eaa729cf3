package coap

// Observe sequence numbers are 24-bit (RFC 7641 Section 3.4). Values 0 and 1
// are skipped on wrap so that a notification is never confused with the
// register/deregister request values.
const (
	observeMax   uint32 = 1<<24 - 1
	observeFirst uint32 = 2
	observeHalf  uint32 = 1 << 23
)

// NextObserve returns the Observe value following v, wrapping from 2^24-1
// back to 2.
func NextObserve(v uint32) uint32 {
	v++
	if v > observeMax || v < observeFirst {
		return observeFirst
	}
	return v
}

// ObserveIsNewer reports whether a notification carrying v2 is newer than
// one carrying v1, using the serial-number comparison of RFC 7641
// Section 3.4 (the 128-second time condition is left to the caller).
func ObserveIsNewer(v1, v2 uint32) bool {
	v1 &= observeMax
	v2 &= observeMax
	return (v1 < v2 && v2-v1 < observeHalf) || (v1 > v2 && v1-v2 > observeHalf)
}
