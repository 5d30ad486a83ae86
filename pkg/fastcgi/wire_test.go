package fastcgi

import "testing"

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name          string
		recType       uint8
		reqID         uint16
		contentLength uint16
		padding       uint8
	}{
		{"BeginRequest", typeBeginRequest, 1, 8, 0},
		{"Params", typeParams, 7, 100, 4},
		{"Stdin", typeStdin, 1, 0, 0},
		{"Stdout", typeStdout, 65535, 65535, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := header{
				version:       Version1,
				recordType:    tt.recType,
				requestID:     tt.reqID,
				contentLength: tt.contentLength,
				paddingLength: tt.padding,
			}
			buf := make([]byte, headerSize)
			h.encode(buf)

			decoded := decodeHeader(buf)
			if decoded.version != Version1 {
				t.Errorf("version = %d, want %d", decoded.version, Version1)
			}
			if decoded.recordType != tt.recType {
				t.Errorf("recordType = %d, want %d", decoded.recordType, tt.recType)
			}
			if decoded.requestID != tt.reqID {
				t.Errorf("requestID = %d, want %d", decoded.requestID, tt.reqID)
			}
			if decoded.contentLength != tt.contentLength {
				t.Errorf("contentLength = %d, want %d", decoded.contentLength, tt.contentLength)
			}
			if decoded.paddingLength != tt.padding {
				t.Errorf("paddingLength = %d, want %d", decoded.paddingLength, tt.padding)
			}
		})
	}
}

func TestPaddingFor(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 0}, {1, 7}, {7, 1}, {8, 0}, {9, 7}, {65535, 1},
	}
	for _, tt := range tests {
		if got := paddingFor(tt.n); got != tt.want {
			t.Errorf("paddingFor(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestVarLengthIntRoundTrip(t *testing.T) {
	tests := []int{0, 1, 127, 128, 129, 255, 1000, 70000, 1 << 20, (1 << 31) - 1}
	for _, n := range tests {
		buf := encodeLength(nil, n)
		got, consumed := decodeLength(buf)
		if consumed == 0 {
			t.Fatalf("decodeLength(%v) reported 0 bytes consumed", buf)
		}
		if got != n {
			t.Errorf("decodeLength(encodeLength(%d)) = %d", n, got)
		}
	}
}

func TestVarLengthIntBoundary(t *testing.T) {
	// 127 must encode as one byte; 128 must encode as four.
	if got := len(encodeLength(nil, 127)); got != 1 {
		t.Errorf("encodeLength(127) produced %d bytes, want 1", got)
	}
	if got := len(encodeLength(nil, 128)); got != 4 {
		t.Errorf("encodeLength(128) produced %d bytes, want 4", got)
	}
	// 128 has a fixed wire representation: high bit set, big-endian.
	want := []byte{0x80, 0x00, 0x00, 0x80}
	got := encodeLength(nil, 128)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("encodeLength(128) = % x, want % x", got, want)
		}
	}
	if n, consumed := decodeLength(want); n != 128 || consumed != 4 {
		t.Errorf("decodeLength(80 00 00 80) = (%d, %d), want (128, 4)", n, consumed)
	}
}

func TestDecodeLengthNeedsMoreBytes(t *testing.T) {
	if _, consumed := decodeLength(nil); consumed != 0 {
		t.Errorf("decodeLength(nil) consumed = %d, want 0", consumed)
	}
	// A four-byte-flagged length with only 2 bytes available can't be read yet.
	partial := []byte{0x80, 0x00}
	if _, consumed := decodeLength(partial); consumed != 0 {
		t.Errorf("decodeLength(partial) consumed = %d, want 0", consumed)
	}
}

func TestRoleString(t *testing.T) {
	if RoleResponder.String() != "Responder" {
		t.Errorf("RoleResponder.String() = %q", RoleResponder.String())
	}
	if Role(99).valid() {
		t.Error("Role(99).valid() = true, want false")
	}
}
