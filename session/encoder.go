package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	sessionFormatVersionCurrent = 2
	sessionFormatVersionV1      = 1
)

// ErrInvalidEncoding is returned by Decode for truncated or unknown blobs.
var ErrInvalidEncoding = errors.New("invalid session encoding")

// Encode serializes s into the compact binary record stored in Redis.
// SessionID is not encoded; it is the key.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionCurrent)

	if err := writeShortString(&buf, s.UserID, "userID"); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, s.Email, "email"); err != nil {
		return nil, err
	}

	buf.Write(s.IPHash[:])
	buf.Write(s.UserAgentHash[:])

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeShortString(buf *bytes.Buffer, v, field string) error {
	if len(v) > 255 {
		return errors.New(field + " too long")
	}
	buf.WriteByte(byte(len(v)))
	buf.WriteString(v)
	return nil
}

// Decode parses a record written by Encode. Version 1 records predate the
// client binding hashes and the email; both decode as zero values.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if version != sessionFormatVersionCurrent && version != sessionFormatVersionV1 {
		return nil, ErrInvalidEncoding
	}

	s := &Session{}

	if s.UserID, err = readShortString(reader); err != nil {
		return nil, err
	}
	if s.UserID == "" {
		return nil, ErrInvalidEncoding
	}

	if version == sessionFormatVersionCurrent {
		if s.Email, err = readShortString(reader); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(reader, s.IPHash[:]); err != nil {
			return nil, ErrInvalidEncoding
		}
		if _, err := io.ReadFull(reader, s.UserAgentHash[:]); err != nil {
			return nil, ErrInvalidEncoding
		}
	}

	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, ErrInvalidEncoding
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, ErrInvalidEncoding
	}
	if reader.Len() != 0 {
		return nil, ErrInvalidEncoding
	}

	return s, nil
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", ErrInvalidEncoding
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrInvalidEncoding
	}
	return string(b), nil
}
