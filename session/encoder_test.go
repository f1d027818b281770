package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeV1Compat(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(sessionFormatVersionV1)
	buf.WriteByte(3)
	buf.WriteString("u-1")
	_ = binary.Write(&buf, binary.BigEndian, int64(1700000000))
	_ = binary.Write(&buf, binary.BigEndian, int64(1700003600))

	sess, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if sess.UserID != "u-1" || sess.Email != "" || sess.ExpiresAt != 1700003600 {
		t.Fatalf("unexpected v1 session %+v", sess)
	}
}

func TestEncodeRejectsLongFields(t *testing.T) {
	if _, err := Encode(&Session{UserID: strings.Repeat("x", 256)}); err == nil {
		t.Fatal("expected error for long user id")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data, err := Encode(testSession("sid", "u-1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(append(data, 0)); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

// FuzzSessionDecode exercises the decoder with arbitrary inputs.
// Goal: no panics, and every accepted record re-encodes to the same bytes.
func FuzzSessionDecode(f *testing.F) {
	encoded, err := Encode(&Session{
		UserID:    "user1",
		Email:     "user1@example.com",
		CreatedAt: 1700000000,
		ExpiresAt: 1700003600,
	})
	if err == nil {
		f.Add(encoded)
		f.Add(encoded[:10])
	}
	f.Add([]byte{})
	f.Add([]byte{0})
	f.Add([]byte{2})
	f.Add([]byte{255, 255, 255})

	f.Fuzz(func(t *testing.T, data []byte) {
		sess, err := Decode(data)
		if err != nil {
			return
		}
		if sess.UserID == "" {
			t.Fatal("decoded session without user id")
		}
		if data[0] != sessionFormatVersionCurrent {
			return
		}
		again, err := Encode(sess)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if !bytes.Equal(again, data) {
			t.Fatal("decode/encode not stable")
		}
	})
}
