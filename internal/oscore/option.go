package oscore

import (
	"bytes"
	"fmt"
)

// -------------------------------------------------------------------------
// OSCORE Option Value — RFC 8613 Section 6.1
// -------------------------------------------------------------------------

//	 0 1 2 3 4 5 6 7 <------------- n bytes -------------->
//	+-+-+-+-+-+-+-+-+--------------------------------------
//	|0 0 0|h|k|  n  |       Partial IV (if any) ...
//	+-+-+-+-+-+-+-+-+--------------------------------------
//
//	 <- 1 byte -> <----- s bytes ------>
//	+------------+----------------------+------------------+
//	| s (if any) | kid context (if any) | kid (if any) ... |
//	+------------+----------------------+------------------+
const (
	flagKIDContext = 0x10
	flagKID        = 0x08
	flagPIVLen     = 0x07
	flagReserved   = 0xE0

	// maxPIVLen is the largest Partial IV length (n = 6 and 7 are reserved).
	maxPIVLen = 5
)

// optionValue is the decoded OSCORE option.
type optionValue struct {
	PIV        []byte
	KID        []byte
	KIDContext []byte
	HasKID     bool
	HasContext bool
}

// decodeOption parses an OSCORE option value. An empty value means all
// flags are zero.
func decodeOption(v []byte) (optionValue, error) {
	var o optionValue
	if len(v) == 0 {
		return o, nil
	}

	flags := v[0]
	if flags&flagReserved != 0 {
		return o, fmt.Errorf("reserved flag bits %#x: %w", flags&flagReserved, ErrMalformedOption)
	}
	if flags == 0 {
		// All-zero flags SHALL be encoded as an empty option value.
		return o, fmt.Errorf("non-empty value with zero flags: %w", ErrMalformedOption)
	}

	n := int(flags & flagPIVLen)
	if n > maxPIVLen {
		return o, fmt.Errorf("partial iv length %d: %w", n, ErrMalformedOption)
	}

	rest := v[1:]
	if len(rest) < n {
		return o, fmt.Errorf("partial iv truncated: %w", ErrMalformedOption)
	}
	if n > 0 {
		o.PIV = bytes.Clone(rest[:n])
	}
	rest = rest[n:]

	if flags&flagKIDContext != 0 {
		if len(rest) < 1 {
			return o, fmt.Errorf("kid context length missing: %w", ErrMalformedOption)
		}
		s := int(rest[0])
		rest = rest[1:]
		if len(rest) < s {
			return o, fmt.Errorf("kid context truncated: %w", ErrMalformedOption)
		}
		o.KIDContext = bytes.Clone(rest[:s])
		o.HasContext = true
		rest = rest[s:]
	}

	if flags&flagKID != 0 {
		o.KID = bytes.Clone(rest)
		o.HasKID = true
	} else if len(rest) > 0 {
		return o, fmt.Errorf("%d trailing bytes without kid flag: %w", len(rest), ErrMalformedOption)
	}

	return o, nil
}

// encode serializes the option value.
func (o optionValue) encode() []byte {
	flags := byte(len(o.PIV)) & flagPIVLen
	if o.HasKID {
		flags |= flagKID
	}
	if o.HasContext {
		flags |= flagKIDContext
	}
	if flags == 0 {
		return []byte{}
	}

	buf := make([]byte, 0, 1+len(o.PIV)+1+len(o.KIDContext)+len(o.KID))
	buf = append(buf, flags)
	buf = append(buf, o.PIV...)
	if o.HasContext {
		buf = append(buf, byte(len(o.KIDContext)))
		buf = append(buf, o.KIDContext...)
	}
	if o.HasKID {
		buf = append(buf, o.KID...)
	}

	return buf
}

// encodePIV returns the minimal big-endian Partial IV for a sequence
// number. Zero is encoded as a single 0x00 byte (RFC 8613 Section 6.1).
func encodePIV(seq uint64) []byte {
	if seq == 0 {
		return []byte{0}
	}

	var buf [8]byte
	n := 0
	for v := seq; v > 0; v >>= 8 {
		n++
	}
	for i := range n {
		buf[n-1-i] = byte(seq >> (8 * i))
	}

	return bytes.Clone(buf[:n])
}

// decodePIV interprets a Partial IV as a sequence number.
func decodePIV(piv []byte) uint64 {
	var v uint64
	for _, b := range piv {
		v = v<<8 | uint64(b)
	}
	return v
}
