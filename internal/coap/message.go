package coap

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 7252 Section 3
// -------------------------------------------------------------------------

// Version is the CoAP protocol version; RFC 7252 Section 3 requires 1.
const Version uint8 = 1

// HeaderSize is the fixed CoAP header size in bytes (Ver/T/TKL, Code,
// Message ID).
const HeaderSize = 4

// MaxTokenLen is the maximum token length (RFC 7252 Section 3: lengths
// 9-15 are reserved and MUST be processed as a message format error).
const MaxTokenLen = 8

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for message parsing and serialization.
var (
	// ErrTruncated indicates the datagram ends inside the header, token,
	// or an option.
	ErrTruncated = errors.New("coap message truncated")

	// ErrInvalidVersion indicates a version other than 1.
	ErrInvalidVersion = errors.New("coap version must be 1")

	// ErrInvalidTokenLen indicates a token length of 9-15 (reserved).
	ErrInvalidTokenLen = errors.New("coap token length must be 0-8")

	// ErrInvalidOption indicates a reserved option delta or length nibble,
	// or an option number outside the 16-bit range.
	ErrInvalidOption = errors.New("coap option encoding invalid")

	// ErrEmptyPayload indicates a payload marker followed by a zero-length
	// payload (RFC 7252 Section 3: MUST be processed as a format error).
	ErrEmptyPayload = errors.New("coap payload marker with empty payload")

	// ErrInvalidType indicates a message type outside CON/NON/ACK/RST.
	ErrInvalidType = errors.New("coap message type invalid")

	// ErrEmptyNotEmpty indicates an Empty message (code 0.00) carrying a
	// token, options, or payload (RFC 7252 Section 4.1).
	ErrEmptyNotEmpty = errors.New("coap empty message carries data")

	// ErrOptionNotFound indicates the requested option is absent.
	ErrOptionNotFound = errors.New("coap option not found")

	// ErrInvalidUint indicates a uint option value longer than 4 bytes.
	ErrInvalidUint = errors.New("coap uint option longer than 4 bytes")
)

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Message is a decoded CoAP-over-UDP message.
//
// Options are kept in wire order after Parse. Marshal emits them sorted by
// option number; options sharing a number keep their relative order
// (RFC 7252 Section 5.4.5).
type Message struct {
	Type      message.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   message.Options
	Payload   []byte
}

// Parse decodes a complete CoAP datagram. The returned message owns a copy
// of data, so the caller may reuse its buffer.
//
// Unrecognized options are preserved; deciding whether an unknown option is
// critical is left to the caller (RFC 7252 Section 5.4.1).
func Parse(data []byte) (*Message, error) {
	buf := bytes.Clone(data)

	raw := message.Message{Options: make(message.Options, 0, len(buf))}
	if _, err := coder.DefaultCoder.Decode(buf, &raw); err != nil {
		return nil, decodeError(err)
	}

	// The decoder skips known options with an out-of-range length; read
	// the option block again without definitions so those reach the
	// critical-option check as unrecognized options (RFC 7252 Section 5.4.3).
	opts, payload, err := ParseOptions(buf[HeaderSize+len(raw.Token):])
	if err != nil {
		return nil, err
	}

	m := &Message{
		Type:      raw.Type,
		Code:      raw.Code,
		MessageID: uint16(raw.MessageID),
		Token:     raw.Token,
		Options:   opts,
		Payload:   payload,
	}
	if m.Code == codes.Empty && (len(m.Token) > 0 || len(opts) > 0 || len(payload) > 0) {
		return nil, ErrEmptyNotEmpty
	}

	return m, nil
}

// ParseHeader decodes only the fixed header and the token. Used to answer
// datagrams whose options cannot be parsed (Reset) or that were truncated
// by the receive buffer (4.13 Request Entity Too Large).
func ParseHeader(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header %d bytes: %w", len(data), ErrTruncated)
	}
	n := min(len(data), HeaderSize+int(data[0]&0x0F))

	var raw message.Message
	if _, err := coder.DefaultCoder.Decode(bytes.Clone(data[:n]), &raw); err != nil {
		return nil, decodeError(err)
	}
	return &Message{
		Type:      raw.Type,
		Code:      raw.Code,
		MessageID: uint16(raw.MessageID),
		Token:     raw.Token,
	}, nil
}

// ParseOptions decodes a sequence of delta-encoded options optionally
// followed by a payload marker and payload. Used for both the message body
// and the OSCORE plaintext (RFC 8613 Section 5.3). Option values alias
// data.
func ParseOptions(data []byte) (message.Options, []byte, error) {
	opts := make(message.Options, 0, len(data))
	n, err := opts.Unmarshal(data, nil)
	if err != nil {
		return nil, nil, decodeError(err)
	}

	var payload []byte
	if n < len(data) {
		payload = data[n:]
	}

	// A consumed byte beyond the encoded options is the payload marker,
	// which must not be followed by an empty payload (RFC 7252 Section 3).
	encoded, _ := opts.Marshal(nil)
	if payload == nil && n > encoded {
		return nil, nil, ErrEmptyPayload
	}
	if len(opts) == 0 {
		opts = nil
	}

	return opts, payload, nil
}

// decodeError maps go-coap decoding errors onto the package sentinels.
func decodeError(err error) error {
	switch {
	case errors.Is(err, coder.ErrMessageTruncated), errors.Is(err, message.ErrOptionTruncated):
		return fmt.Errorf("%w: %w", ErrTruncated, err)
	case errors.Is(err, coder.ErrMessageInvalidVersion):
		return fmt.Errorf("%w: %w", ErrInvalidVersion, err)
	case errors.Is(err, message.ErrInvalidTokenLen):
		return fmt.Errorf("%w: %w", ErrInvalidTokenLen, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidOption, err)
	}
}

// Marshal serializes the message into a new buffer.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, fmt.Errorf("marshal token length %d: %w", len(m.Token), ErrInvalidTokenLen)
	}
	if m.Type < message.Confirmable || m.Type > message.Reset {
		return nil, fmt.Errorf("marshal type %d: %w", m.Type, ErrInvalidType)
	}

	raw := message.Message{
		Token:     m.Token,
		Options:   sortedOptions(m.Options),
		Code:      m.Code,
		Payload:   m.Payload,
		MessageID: int32(m.MessageID),
		Type:      m.Type,
	}

	size, err := coder.DefaultCoder.Size(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	buf := make([]byte, size)
	if _, err := coder.DefaultCoder.Encode(raw, buf); err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	return buf, nil
}

// MarshalEmpty serializes an Empty message (code 0.00) of type typ: an
// ACK, a RST, or a CoAP ping when typ is CON.
func MarshalEmpty(typ message.Type, mid uint16) []byte {
	buf := make([]byte, HeaderSize)
	if _, err := coder.DefaultCoder.Encode(message.Message{Type: typ, MessageID: int32(mid)}, buf); err != nil {
		return nil
	}
	return buf
}

// AppendOptions delta-encodes opts onto buf in ascending option number
// order and returns the extended buffer. Options that cannot be encoded
// (a value longer than 65804 bytes) are not appended.
func AppendOptions(buf []byte, opts message.Options) []byte {
	sorted := sortedOptions(opts)

	n, _ := sorted.Marshal(nil)
	start := len(buf)
	out := slices.Grow(buf, n)[:start+n]
	if _, err := sorted.Marshal(out[start:]); err != nil {
		return buf
	}
	return out
}

// sortedOptions returns opts ordered by option number; options sharing a
// number keep their relative order (RFC 7252 Section 5.4.5).
func sortedOptions(opts message.Options) message.Options {
	sorted := slices.Clone(opts)
	slices.SortStableFunc(sorted, func(a, b message.Option) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return sorted
}

// -------------------------------------------------------------------------
// Classification
// -------------------------------------------------------------------------

// IsEmpty reports whether the message is an Empty message (code 0.00).
func (m *Message) IsEmpty() bool { return m.Code == codes.Empty }

// IsRequest reports whether the code is a request method (class 0, nonzero).
func (m *Message) IsRequest() bool { return m.Code != codes.Empty && CodeClass(m.Code) == 0 }

// IsResponse reports whether the code is a response (classes 2-5).
func (m *Message) IsResponse() bool {
	c := CodeClass(m.Code)
	return c >= 2 && c <= 5
}

// String renders a short human-readable summary for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%s",
		m.Type, CodeString(m.Code), m.MessageID, hex.EncodeToString(m.Token))
}

// -------------------------------------------------------------------------
// Option Access
// -------------------------------------------------------------------------

// Option returns the first value of option id.
func (m *Message) Option(id message.OptionID) ([]byte, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

// OptionValues returns every value of option id in wire order.
func (m *Message) OptionValues(id message.OptionID) [][]byte {
	var vals [][]byte
	for _, o := range m.Options {
		if o.ID == id {
			vals = append(vals, o.Value)
		}
	}
	return vals
}

// OptionCount returns how many times option id occurs.
func (m *Message) OptionCount(id message.OptionID) int {
	n := 0
	for _, o := range m.Options {
		if o.ID == id {
			n++
		}
	}
	return n
}

// HasOption reports whether option id is present.
func (m *Message) HasOption(id message.OptionID) bool {
	_, ok := m.Option(id)
	return ok
}

// Uint decodes the first value of option id as a uint (RFC 7252 Section 3.2).
func (m *Message) Uint(id message.OptionID) (uint32, error) {
	v, ok := m.Option(id)
	if !ok {
		return 0, fmt.Errorf("option %d: %w", id, ErrOptionNotFound)
	}
	return DecodeUint(v)
}

// AddOption appends a value for option id.
func (m *Message) AddOption(id message.OptionID, value []byte) {
	m.Options = append(m.Options, message.Option{ID: id, Value: value})
}

// SetOption replaces every value of option id with value.
func (m *Message) SetOption(id message.OptionID, value []byte) {
	m.RemoveOption(id)
	m.AddOption(id, value)
}

// SetUint replaces option id with the minimal uint encoding of v.
func (m *Message) SetUint(id message.OptionID, v uint32) {
	m.SetOption(id, EncodeUint(v))
}

// RemoveOption deletes every value of option id.
func (m *Message) RemoveOption(id message.OptionID) {
	m.Options = slices.DeleteFunc(m.Options, func(o message.Option) bool {
		return o.ID == id
	})
}

// PathSegments returns the Uri-Path option values.
func (m *Message) PathSegments() []string {
	vals := m.OptionValues(message.URIPath)
	segs := make([]string, 0, len(vals))
	for _, v := range vals {
		segs = append(segs, string(v))
	}
	return segs
}

// Path returns the Uri-Path options joined with "/" (no leading slash).
func (m *Message) Path() string {
	return strings.Join(m.PathSegments(), "/")
}

// SetPath replaces the Uri-Path options with the segments of p.
// Empty segments (leading, trailing or repeated slashes) are skipped.
func (m *Message) SetPath(p string) {
	m.RemoveOption(message.URIPath)
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			m.AddOption(message.URIPath, []byte(seg))
		}
	}
}

// Queries returns the Uri-Query option values.
func (m *Message) Queries() []string {
	vals := m.OptionValues(message.URIQuery)
	qs := make([]string, 0, len(vals))
	for _, v := range vals {
		qs = append(qs, string(v))
	}
	return qs
}

// -------------------------------------------------------------------------
// Uint Option Encoding — RFC 7252 Section 3.2
// -------------------------------------------------------------------------

// EncodeUint returns the minimal big-endian encoding of v. Zero encodes as
// the empty string.
func EncodeUint(v uint32) []byte {
	buf := make([]byte, 4)
	n, _ := message.EncodeUint32(buf, v)
	return buf[:n]
}

// DecodeUint decodes a big-endian uint of 0-4 bytes. Leading zero bytes
// are tolerated.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, ErrInvalidUint
	}
	v, _, err := message.DecodeUint32(b)
	return v, err
}
