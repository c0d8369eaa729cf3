package coap

import (
	"errors"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// No-Response option bits (RFC 7967 Section 2.1).
const (
	noResponse2xx  = 0x02
	noResponse4xx  = 0x08
	noResponse5xx  = 0x10
	noResponseMask = noResponse2xx | noResponse4xx | noResponse5xx
)

// ErrInvalidNoResponse indicates a No-Response option longer than one byte
// or with bits outside the defined 2.xx/4.xx/5.xx classes.
var ErrInvalidNoResponse = errors.New("invalid no-response option")

// CheckNoResponse reports whether a response with the given code should be
// suppressed according to the request's No-Response option (RFC 7967).
//
// An absent option, or a zero value, means the client is interested in every
// response class. A malformed value returns ErrInvalidNoResponse; the
// caller must then answer 4.02 Bad Option regardless of suppression.
func CheckNoResponse(req *Message, code codes.Code) (bool, error) {
	val, ok := req.Option(OptionNoResponse)
	if !ok {
		return false, nil
	}

	if len(val) > 1 {
		return false, ErrInvalidNoResponse
	}

	var bits byte
	if len(val) == 1 {
		bits = val[0]
	}
	if bits&^noResponseMask != 0 {
		return false, ErrInvalidNoResponse
	}

	switch CodeClass(code) {
	case 2:
		return bits&noResponse2xx != 0, nil
	case 4:
		return bits&noResponse4xx != 0, nil
	case 5:
		return bits&noResponse5xx != 0, nil
	default:
		return false, nil
	}
}
