package oscore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pion/dtls/v3/pkg/crypto/ccm"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// -------------------------------------------------------------------------
// AEAD Algorithms — RFC 8613 Section 3.1, COSE algorithm identifiers
// -------------------------------------------------------------------------

// Algorithm is a COSE AEAD algorithm identifier (RFC 9053).
type Algorithm int

const (
	// AlgA128GCM is AES-GCM with a 128-bit key and 128-bit tag.
	AlgA128GCM Algorithm = 1

	// AlgAESCCM16_64_128 is AES-CCM with a 128-bit key, 64-bit tag and
	// 13-byte nonce. Mandatory to implement (RFC 8613 Section 3.1).
	AlgAESCCM16_64_128 Algorithm = 10

	// AlgChaCha20Poly1305 is ChaCha20/Poly1305 with a 256-bit key.
	AlgChaCha20Poly1305 Algorithm = 24
)

// String returns the COSE algorithm name.
func (a Algorithm) String() string {
	switch a {
	case AlgA128GCM:
		return "A128GCM"
	case AlgAESCCM16_64_128:
		return "AES-CCM-16-64-128"
	case AlgChaCha20Poly1305:
		return "ChaCha20/Poly1305"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm resolves a configuration name to an Algorithm. The empty
// string selects AES-CCM-16-64-128.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "aes-ccm-16-64-128":
		return AlgAESCCM16_64_128, nil
	case "a128gcm":
		return AlgA128GCM, nil
	case "chacha20/poly1305", "chacha20-poly1305":
		return AlgChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownAlgorithm)
	}
}

func (a Algorithm) keyLen() int {
	if a == AlgChaCha20Poly1305 {
		return chacha20poly1305.KeySize
	}
	return 16
}

func (a Algorithm) nonceLen() int {
	if a == AlgAESCCM16_64_128 {
		return 13
	}
	return 12
}

func (a Algorithm) newAEAD(key []byte) (cipher.AEAD, error) {
	switch a {
	case AlgAESCCM16_64_128:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes: %w", err)
		}
		aead, err := ccm.NewCCM(block, 8, 13)
		if err != nil {
			return nil, fmt.Errorf("ccm: %w", err)
		}
		return aead, nil
	case AlgA128GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%s: %w", a, ErrUnknownAlgorithm)
	}
}

// -------------------------------------------------------------------------
// Security Context — RFC 8613 Section 3
// -------------------------------------------------------------------------

// maxSequence is the largest sender sequence number (2^40 - 1, RFC 8613
// Section 7.2.1).
const maxSequence = 1<<40 - 1

// Config holds the pre-established input parameters of a security context
// (RFC 8613 Section 3.2).
type Config struct {
	MasterSecret []byte
	MasterSalt   []byte
	SenderID     []byte
	RecipientID  []byte
	IDContext    []byte
	Algorithm    Algorithm
}

// Binding identifies the request a response is bound to: the request kid
// and Partial IV enter the AAD of every response, and a response without
// its own Partial IV reuses the request nonce (RFC 8613 Section 5.4).
type Binding struct {
	KID []byte
	PIV []byte
}

// Context is a derived OSCORE security context. Safe for concurrent use.
type Context struct {
	mu sync.Mutex

	alg         Algorithm
	senderID    []byte
	recipientID []byte
	idContext   []byte

	senderKey    []byte
	recipientKey []byte
	commonIV     []byte
	sender       cipher.AEAD
	recipient    cipher.AEAD

	seq    uint64
	window replayWindow
}

// NewContext derives a security context from cfg.
func NewContext(cfg Config) (*Context, error) {
	if len(cfg.MasterSecret) == 0 {
		return nil, fmt.Errorf("empty master secret: %w", ErrInvalidConfig)
	}

	alg := cfg.Algorithm
	if alg == 0 {
		alg = AlgAESCCM16_64_128
	}
	if _, err := alg.newAEAD(make([]byte, alg.keyLen())); err != nil {
		return nil, err
	}

	maxID := alg.nonceLen() - 6
	if len(cfg.SenderID) > maxID || len(cfg.RecipientID) > maxID {
		return nil, fmt.Errorf("sender/recipient id longer than %d bytes: %w", maxID, ErrInvalidConfig)
	}
	if bytes.Equal(cfg.SenderID, cfg.RecipientID) {
		return nil, fmt.Errorf("sender and recipient id must differ: %w", ErrInvalidConfig)
	}

	c := &Context{
		alg:         alg,
		senderID:    bytes.Clone(cfg.SenderID),
		recipientID: bytes.Clone(cfg.RecipientID),
		idContext:   bytes.Clone(cfg.IDContext),
	}

	var err error
	if c.senderKey, err = derive(cfg, alg, cfg.SenderID, "Key", alg.keyLen()); err != nil {
		return nil, err
	}
	if c.recipientKey, err = derive(cfg, alg, cfg.RecipientID, "Key", alg.keyLen()); err != nil {
		return nil, err
	}
	if c.commonIV, err = derive(cfg, alg, []byte{}, "IV", alg.nonceLen()); err != nil {
		return nil, err
	}

	if c.sender, err = alg.newAEAD(c.senderKey); err != nil {
		return nil, err
	}
	if c.recipient, err = alg.newAEAD(c.recipientKey); err != nil {
		return nil, err
	}

	return c, nil
}

// Algorithm returns the AEAD algorithm of the context.
func (c *Context) Algorithm() Algorithm { return c.alg }

// SenderID returns a copy of the sender ID.
func (c *Context) SenderID() []byte { return bytes.Clone(c.senderID) }

// RecipientID returns a copy of the recipient ID.
func (c *Context) RecipientID() []byte { return bytes.Clone(c.recipientID) }

// derive runs HKDF-SHA256 with the CBOR info structure of RFC 8613
// Section 3.2.1:
//
//	info = [ id : bstr, id_context : bstr / nil, alg_aead : int,
//	         type : tstr, L : uint ]
func derive(cfg Config, alg Algorithm, id []byte, typ string, l int) ([]byte, error) {
	info, err := deriveInfo(id, cfg.IDContext, alg, typ, l)
	if err != nil {
		return nil, err
	}

	out := make([]byte, l)
	r := hkdf.New(sha256.New, cfg.MasterSecret, cfg.MasterSalt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf %s: %w", typ, err)
	}

	return out, nil
}

// cborMode is the deterministic encoding of RFC 8949 Section 4.2.1. Nil
// byte slices encode as empty byte strings; an absent ID Context is passed
// as an untyped nil to get CBOR null.
var cborMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func deriveInfo(id, idContext []byte, alg Algorithm, typ string, l int) ([]byte, error) {
	var ctx any
	if len(idContext) > 0 {
		ctx = idContext
	}

	info, err := cborMode.Marshal([]any{id, ctx, int(alg), typ, l})
	if err != nil {
		return nil, fmt.Errorf("encode hkdf info: %w", err)
	}
	return info, nil
}

// nonce builds the AEAD nonce of RFC 8613 Section 5.2: the ID_PIV length,
// the left-padded ID_PIV and the left-padded Partial IV, XORed with the
// Common IV.
func (c *Context) nonce(idPIV, piv []byte) []byte {
	n := c.alg.nonceLen()
	nonce := make([]byte, n)

	nonce[0] = byte(len(idPIV))
	copy(nonce[n-maxPIVLen-len(idPIV):n-maxPIVLen], idPIV)
	copy(nonce[n-len(piv):], piv)

	for i := range nonce {
		nonce[i] ^= c.commonIV[i]
	}

	return nonce
}

// aad builds the serialized Enc_structure of RFC 8613 Section 5.4 with no
// Class I options:
//
//	Enc_structure = [ "Encrypt0", h'', external_aad ]
//	external_aad  = bstr .cbor [ 1, [ alg_aead ], request_kid,
//	                             request_piv, h'' ]
func (c *Context) aad(requestKID, requestPIV []byte) ([]byte, error) {
	ext, err := cborMode.Marshal([]any{1, []int{int(c.alg)}, requestKID, requestPIV, []byte{}})
	if err != nil {
		return nil, fmt.Errorf("encode external aad: %w", err)
	}

	enc, err := cborMode.Marshal([]any{"Encrypt0", []byte{}, ext})
	if err != nil {
		return nil, fmt.Errorf("encode enc_structure: %w", err)
	}
	return enc, nil
}

// nextPIV consumes the next sender sequence number. Caller holds c.mu.
func (c *Context) nextPIV() ([]byte, error) {
	if c.seq > maxSequence {
		return nil, ErrSequenceExhausted
	}
	piv := encodePIV(c.seq)
	c.seq++
	return piv, nil
}
