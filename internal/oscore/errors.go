package oscore

import (
	"errors"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Sentinel errors for OSCORE processing.
var (
	// ErrMalformedOption indicates the OSCORE option could not be decoded
	// or lacks a field required for the message kind.
	ErrMalformedOption = errors.New("oscore option malformed")

	// ErrNotProtected indicates a message without an OSCORE option was
	// handed to a verify function.
	ErrNotProtected = errors.New("message not oscore protected")

	// ErrUnknownKID indicates the kid (or kid context) does not identify
	// this security context.
	ErrUnknownKID = errors.New("oscore security context not found")

	// ErrReplay indicates a Partial IV that was already received or has
	// fallen out of the replay window.
	ErrReplay = errors.New("oscore replay detected")

	// ErrDecrypt indicates AEAD authentication failure.
	ErrDecrypt = errors.New("oscore decryption failed")

	// ErrMalformedPlaintext indicates the decrypted plaintext is not a
	// valid code/options/payload sequence.
	ErrMalformedPlaintext = errors.New("oscore plaintext malformed")

	// ErrSequenceExhausted indicates the sender sequence number reached
	// 2^40-1 and the context must be re-established.
	ErrSequenceExhausted = errors.New("oscore sender sequence number exhausted")

	// ErrInvalidConfig indicates unusable keying material or identifiers.
	ErrInvalidConfig = errors.New("invalid oscore context configuration")

	// ErrUnknownAlgorithm indicates an unsupported AEAD algorithm.
	ErrUnknownAlgorithm = errors.New("unknown oscore aead algorithm")
)

// ErrorCode maps a verification error to the unprotected CoAP error
// response code of RFC 8613 Section 8.2:
//
//	option decoding failure      4.02 Bad Option
//	security context not found   4.01 Unauthorized
//	replay detected              4.01 Unauthorized
//	decryption failed            4.00 Bad Request
//
// Any other error maps to 5.00 Internal Server Error.
func ErrorCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrMalformedOption), errors.Is(err, ErrNotProtected):
		return codes.BadOption
	case errors.Is(err, ErrUnknownKID), errors.Is(err, ErrReplay):
		return codes.Unauthorized
	case errors.Is(err, ErrDecrypt), errors.Is(err, ErrMalformedPlaintext):
		return codes.BadRequest
	default:
		return codes.InternalServerError
	}
}

// ErrorDiagnostic returns the diagnostic payload RFC 8613 Section 8.2
// suggests for an error response.
func ErrorDiagnostic(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKID):
		return "Security context not found"
	case errors.Is(err, ErrReplay):
		return "Replay detected"
	case errors.Is(err, ErrDecrypt):
		return "Decryption failed"
	default:
		return ""
	}
}
