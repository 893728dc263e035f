package validator

import (
	"strings"
	"testing"
)

func TestDecodeBlob(t *testing.T) {
	decodedHex, err := DecodeBlob("00010203", BlobEncodingHex)
	if err != nil {
		t.Fatalf("decode hex failed: %v", err)
	}
	if len(decodedHex) != 4 {
		t.Fatalf("hex decode len=%d, want 4", len(decodedHex))
	}

	if _, err := DecodeBlob("AAECAw==", BlobEncodingBase64); err != nil {
		t.Fatalf("decode base64 failed: %v", err)
	}
	if _, err := DecodeBlob("zzz", BlobEncodingHex); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := DecodeBlob("", BlobEncodingBase64); err == nil {
		t.Fatal("expected error for empty envelope")
	}
	if _, err := DecodeBlob(strings.Repeat("00", MaxEnvelopeSize+1), BlobEncodingHex); err == nil {
		t.Fatal("expected error for oversized envelope")
	}

	if enc, err := NormalizeEncoding(""); err != nil || enc != BlobEncodingBase64 {
		t.Fatalf("default encoding should be base64, got %q (%v)", enc, err)
	}
	if _, err := NormalizeEncoding("HEX"); err != nil {
		t.Fatalf("normalize uppercase failed: %v", err)
	}
	if _, err := NormalizeEncoding("unknown"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"job-1", "benchy_v2.gcode", "A.B-C_9"} {
		if err := ValidateIdentifier("job id", ok); err != nil {
			t.Fatalf("%q should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "..", "a/b", "a b", strings.Repeat("x", 129), "ü"} {
		if err := ValidateIdentifier("job id", bad); err == nil {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}
