package coap

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Method codes beyond the base four (RFC 8132).
const (
	MethodFETCH  codes.Code = 5
	MethodPATCH  codes.Code = 6
	MethodIPATCH codes.Code = 7
)

// CodeClass returns the class digit of a code (the "c" in c.dd).
func CodeClass(c codes.Code) uint8 { return uint8(c) >> 5 }

// CodeDetail returns the detail digits of a code (the "dd" in c.dd).
func CodeDetail(c codes.Code) uint8 { return uint8(c) & 0x1F }

// CodeString renders a code in dotted c.dd form, e.g. "2.05".
func CodeString(c codes.Code) string {
	return fmt.Sprintf("%d.%02d", CodeClass(c), CodeDetail(c))
}

// IsUnsafeMethod reports whether a request method is unsafe (RFC 7252
// Section 5.1, RFC 8132 Section 2): POST, PUT, DELETE, PATCH and iPATCH may
// change server state and are subject to Echo freshness checks.
func IsUnsafeMethod(c codes.Code) bool {
	switch c {
	case codes.POST, codes.PUT, codes.DELETE, MethodPATCH, MethodIPATCH:
		return true
	default:
		return false
	}
}

// MethodName returns the request method name, or the dotted code for
// anything else.
func MethodName(c codes.Code) string {
	switch c {
	case codes.GET:
		return "GET"
	case codes.POST:
		return "POST"
	case codes.PUT:
		return "PUT"
	case codes.DELETE:
		return "DELETE"
	case MethodFETCH:
		return "FETCH"
	case MethodPATCH:
		return "PATCH"
	case MethodIPATCH:
		return "iPATCH"
	default:
		return CodeString(c)
	}
}
