// Package coap implements the CoAP message layer (RFC 7252) used by the
// gocoap server and client.
//
// This includes the datagram codec (Section 3), option helpers and option
// properties (Section 5.4), transmission parameters (Section 4.8), the
// No-Response helper (RFC 7967), link-format rendering for resource
// discovery (RFC 6690), message ID and token generation, and Observe
// sequence arithmetic (RFC 7641 Section 3.4).
//
// Message types, option numbers and response codes are expressed with the
// vocabulary types of github.com/plgd-dev/go-coap/v3.
package coap
