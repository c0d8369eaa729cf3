package oscore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

// -------------------------------------------------------------------------
// Key derivation — RFC 8613 Appendix C.1.1
// -------------------------------------------------------------------------

func TestDeriveInfoEncoding(t *testing.T) {
	t.Parallel()

	// [h'', null, 10, "Key", 16]
	got, err := deriveInfo([]byte{}, nil, AlgAESCCM16_64_128, "Key", 16)
	if err != nil {
		t.Fatalf("deriveInfo: %v", err)
	}
	want := mustHex(t, "8540f60a634b657910")
	if !bytes.Equal(got, want) {
		t.Errorf("info = %x, want %x", got, want)
	}
}

func TestDeriveClientContextVector(t *testing.T) {
	t.Parallel()

	c, err := NewContext(Config{
		MasterSecret: mustHex(t, "0102030405060708090a0b0c0d0e0f10"),
		MasterSalt:   mustHex(t, "9e7ca92223786340"),
		SenderID:     []byte{},
		RecipientID:  []byte{0x01},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	if want := mustHex(t, "f0910ed7295e6ad4b54fc793154302ff"); !bytes.Equal(c.senderKey, want) {
		t.Errorf("sender key = %x, want %x", c.senderKey, want)
	}
	if want := mustHex(t, "ffb14e093c94c9cac9471648b4f98710"); !bytes.Equal(c.recipientKey, want) {
		t.Errorf("recipient key = %x, want %x", c.recipientKey, want)
	}
	if want := mustHex(t, "4622d4dd6d944168eefb54987c"); !bytes.Equal(c.commonIV, want) {
		t.Errorf("common iv = %x, want %x", c.commonIV, want)
	}

	// Empty sender ID and Partial IV 0 leave the Common IV unchanged.
	if got := c.nonce([]byte{}, []byte{0}); !bytes.Equal(got, c.commonIV) {
		t.Errorf("nonce(empty, 0) = %x, want common iv", got)
	}
}

func TestAADEncoding(t *testing.T) {
	t.Parallel()

	c := &Context{alg: AlgAESCCM16_64_128}

	tests := []struct {
		name string
		kid  []byte
		piv  []byte
		want string
	}{
		// RFC 8613 Appendix C.4: empty KID, Partial IV 0x14.
		{"empty kid", []byte{}, []byte{0x14}, "8368456e63727970743040488501810a40411440"},
		{"nil kid", nil, []byte{0x14}, "8368456e63727970743040488501810a40411440"},
		{"one byte kid", []byte{0x01}, []byte{0x05}, "8368456e63727970743040498501810a4101410540"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := c.aad(tt.kid, tt.piv)
			if err != nil {
				t.Fatalf("aad: %v", err)
			}
			if want := mustHex(t, tt.want); !bytes.Equal(got, want) {
				t.Errorf("aad = %x, want %x", got, want)
			}
		})
	}
}

func TestNonceLayout(t *testing.T) {
	t.Parallel()

	c := &Context{alg: AlgAESCCM16_64_128, commonIV: make([]byte, 13)}

	got := c.nonce([]byte{0xAA, 0xBB}, []byte{0x01, 0x02})
	want := []byte{
		0x02,                         // ID_PIV length
		0x00, 0x00, 0x00, 0x00, 0x00, // ID padding
		0xAA, 0xBB,
		0x00, 0x00, 0x00, // PIV padding
		0x01, 0x02,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("nonce = %x, want %x", got, want)
	}
}

// -------------------------------------------------------------------------
// Option codec — RFC 8613 Section 6.1
// -------------------------------------------------------------------------

func TestDecodeOption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     []byte
		want    optionValue
		wantErr bool
	}{
		{name: "empty", raw: []byte{}},
		{
			name: "piv and empty kid",
			raw:  []byte{0x09, 0x14},
			want: optionValue{PIV: []byte{0x14}, KID: []byte{}, HasKID: true},
		},
		{
			name: "piv only",
			raw:  []byte{0x01, 0x05},
			want: optionValue{PIV: []byte{0x05}},
		},
		{
			name: "kid context and kid",
			raw:  []byte{0x19, 0x07, 0x02, 0xC0, 0xFF, 0x01},
			want: optionValue{PIV: []byte{0x07}, KIDContext: []byte{0xC0, 0xFF}, HasContext: true, KID: []byte{0x01}, HasKID: true},
		},
		{name: "reserved bits", raw: []byte{0x21, 0x00}, wantErr: true},
		{name: "reserved piv length", raw: []byte{0x06, 1, 2, 3, 4, 5, 6}, wantErr: true},
		{name: "zero flags non-empty", raw: []byte{0x00}, wantErr: true},
		{name: "piv truncated", raw: []byte{0x03, 0x01}, wantErr: true},
		{name: "kid context truncated", raw: []byte{0x11, 0x01, 0x04, 0xAA}, wantErr: true},
		{name: "trailing bytes", raw: []byte{0x01, 0x01, 0xAA}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeOption(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedOption) {
					t.Fatalf("err = %v, want ErrMalformedOption", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeOption: %v", err)
			}

			if !bytes.Equal(got.PIV, tt.want.PIV) || !bytes.Equal(got.KID, tt.want.KID) ||
				!bytes.Equal(got.KIDContext, tt.want.KIDContext) ||
				got.HasKID != tt.want.HasKID || got.HasContext != tt.want.HasContext {
				t.Errorf("decodeOption = %+v, want %+v", got, tt.want)
			}

			if enc := got.encode(); !bytes.Equal(enc, tt.raw) {
				t.Errorf("encode = %x, want %x", enc, tt.raw)
			}
		})
	}
}

func TestEncodePIV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seq  uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{0x14, []byte{0x14}},
		{0x100, []byte{0x01, 0x00}},
		{maxSequence, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		got := encodePIV(tt.seq)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("encodePIV(%d) = %x, want %x", tt.seq, got, tt.want)
		}
		if back := decodePIV(got); back != tt.seq {
			t.Errorf("decodePIV(%x) = %d, want %d", got, back, tt.seq)
		}
	}
}

// -------------------------------------------------------------------------
// Replay window — RFC 8613 Section 7.4
// -------------------------------------------------------------------------

func TestReplayWindow(t *testing.T) {
	t.Parallel()

	var w replayWindow

	accept := func(seq uint64) bool {
		if !w.check(seq) {
			return false
		}
		w.update(seq)
		return true
	}

	steps := []struct {
		seq  uint64
		want bool
	}{
		{5, true},
		{5, false},  // duplicate
		{3, true},   // older but inside window
		{3, false},  // duplicate inside window
		{40, true},  // jump ahead
		{8, false},  // 32 behind highest: outside window
		{9, true},   // 31 behind highest: inside window
		{39, true},  // out of order
		{40, false}, // duplicate of highest
		{100, true}, // jump clears the bitmap
		{69, true},  // 31 behind highest
		{68, false}, // 32 behind highest
	}

	for i, s := range steps {
		if got := accept(s.seq); got != s.want {
			t.Fatalf("step %d: accept(%d) = %v, want %v", i, s.seq, got, s.want)
		}
	}
}
