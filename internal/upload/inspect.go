package upload

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
)

// Flag names recorded on an upload.
const (
	FlagMIMEMismatch      = "mime_mismatch"
	FlagMIMENotAllowed    = "mime_not_allowed"
	FlagExecutable        = "executable_content"
	FlagEmbeddedScript    = "embedded_script"
	FlagEmbeddedBinary    = "embedded_executable"
	FlagEmbeddedArchive   = "embedded_archive"
	FlagEmbeddedDocument  = "embedded_document"
	FlagTrailingData      = "trailing_data"
	FlagUndecodable       = "undecodable_image"
	FlagFilenameSanitized = "filename_sanitized"
	FlagExtensionMismatch = "extension_mismatch"
)

// Finding is one result of deep inspection. Hard findings reject the upload
// when strict inspection is on.
type Finding struct {
	Flag string
	Hard bool
}

type signature struct {
	pattern []byte
	flag    string
	hard    bool
}

// Patterns are matched against lowercased content.
var signatures = []signature{
	{[]byte("<?php"), FlagEmbeddedScript, true},
	{[]byte("<script"), FlagEmbeddedScript, true},
	{[]byte("javascript:"), FlagEmbeddedScript, true},
	{[]byte("<%@ page"), FlagEmbeddedScript, true},
	{[]byte("<%="), FlagEmbeddedScript, true},
	{[]byte("#!/bin/"), FlagEmbeddedScript, true},
	{[]byte("#!/usr/bin/"), FlagEmbeddedScript, true},
	{[]byte("eval("), FlagEmbeddedScript, true},
	{[]byte("this program cannot be run in dos mode"), FlagEmbeddedBinary, true},
	{[]byte("\x7felf"), FlagEmbeddedBinary, true},
	{[]byte("pk\x03\x04"), FlagEmbeddedArchive, true},
	{[]byte("%pdf-"), FlagEmbeddedDocument, false},
}

// Inspect scans the metadata and trailing regions of data for polyglot and
// embedded-payload patterns, and flags bytes after the image end marker of
// verifiedMIME. Compressed pixel data is skipped. Each flag is reported once.
func Inspect(data []byte, verifiedMIME string) []Finding {
	r := split(data, verifiedMIME)

	seen := make(map[string]bool, 4)
	var findings []Finding
	add := func(flag string, hard bool) {
		if seen[flag] {
			return
		}
		seen[flag] = true
		findings = append(findings, Finding{Flag: flag, Hard: hard})
	}
	scan := func(region []byte) {
		if len(region) == 0 {
			return
		}
		lowered := lowerASCII(region)
		for _, sig := range signatures {
			if bytes.Contains(lowered, sig.pattern) {
				add(sig.flag, sig.hard)
			}
		}
	}

	for _, m := range r.meta {
		scan(m)
	}
	scan(r.trailing)

	if len(r.trailing) > 0 {
		add(FlagTrailingData, false)
	}
	return findings
}

// regions are the parts of an image file that carry no pixel data.
type regions struct {
	meta     [][]byte
	trailing []byte
}

func (r *regions) rest(data []byte, pos int) regions {
	if pos < len(data) {
		r.meta = append(r.meta, data[pos:])
	}
	return *r
}

func split(data []byte, verifiedMIME string) regions {
	switch verifiedMIME {
	case "image/png":
		return pngRegions(data)
	case "image/jpeg":
		return jpegRegions(data)
	case "image/gif":
		return gifRegions(data)
	case "image/webp":
		return webpRegions(data)
	}
	return regions{meta: [][]byte{data}}
}

const maxInflatedText = 1 << 20

var riffHead = []byte("RIFF")

// pngRegions walks the chunk list. Image data chunks are skipped, every
// other chunk body is metadata, and compressed text chunks are inflated
// so a payload cannot hide behind zlib.
func pngRegions(data []byte) regions {
	var r regions
	pos := 8
	for pos+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		body := pos + 8
		if n < 0 || n > len(data)-body-4 {
			return r.rest(data, pos)
		}
		chunk := data[body : body+n]
		switch typ {
		case "IDAT", "fdAT":
		case "IEND":
			r.trailing = data[body+n+4:]
			return r
		case "zTXt", "iTXt":
			r.meta = append(r.meta, chunk)
			if text := pngText(typ, chunk); len(text) > 0 {
				r.meta = append(r.meta, text)
			}
		default:
			r.meta = append(r.meta, chunk)
		}
		pos = body + n + 4
	}
	return r.rest(data, pos)
}

// pngText returns the inflated text of a compressed zTXt or iTXt chunk.
func pngText(typ string, chunk []byte) []byte {
	kw := bytes.IndexByte(chunk, 0)
	if kw < 0 {
		return nil
	}
	rest := chunk[kw+1:]
	switch typ {
	case "zTXt":
		if len(rest) < 1 {
			return nil
		}
		return inflate(rest[1:])
	case "iTXt":
		if len(rest) < 2 || rest[0] == 0 {
			return nil
		}
		text := rest[2:]
		// language tag, then translated keyword
		for i := 0; i < 2; i++ {
			j := bytes.IndexByte(text, 0)
			if j < 0 {
				return nil
			}
			text = text[j+1:]
		}
		return inflate(text)
	}
	return nil
}

func inflate(b []byte) []byte {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil
	}
	defer zr.Close()
	out, _ := io.ReadAll(io.LimitReader(zr, maxInflatedText))
	return out
}

// jpegRegions walks the marker segments. APPn and COM payloads are
// metadata; entropy-coded scan data is skipped up to the next marker.
func jpegRegions(data []byte) regions {
	var r regions
	pos := 2
	for pos < len(data) {
		if data[pos] != 0xFF {
			return r.rest(data, pos)
		}
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			return r
		}
		marker := data[pos]
		pos++
		switch {
		case marker == 0xD9:
			r.trailing = data[pos:]
			return r
		case marker == 0x01, marker >= 0xD0 && marker <= 0xD7:
			continue
		}
		if pos+2 > len(data) {
			return r.rest(data, pos)
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		if n < 2 || pos+n > len(data) {
			return r.rest(data, pos)
		}
		if (marker >= 0xE0 && marker <= 0xEF) || marker == 0xFE {
			r.meta = append(r.meta, data[pos+2:pos+n])
		}
		pos += n
		if marker == 0xDA {
			pos = skipScan(data, pos)
		}
	}
	return r
}

// skipScan returns the offset of the first marker after entropy-coded data.
// Stuffed 0xFF00 pairs and restart markers belong to the scan.
func skipScan(data []byte, pos int) int {
	for pos+1 < len(data) {
		if data[pos] != 0xFF {
			pos++
			continue
		}
		next := data[pos+1]
		if next != 0 && (next < 0xD0 || next > 0xD7) {
			return pos
		}
		pos += 2
	}
	return len(data)
}

// gifRegions walks the block stream. Extension sub-blocks other than
// graphic control are metadata; LZW image data is skipped.
func gifRegions(data []byte) regions {
	var r regions
	if len(data) < 13 {
		return r.rest(data, 0)
	}
	pos := 13 + colorTableSize(data[10])
	for pos < len(data) {
		switch data[pos] {
		case 0x3B:
			r.trailing = data[pos+1:]
			return r
		case 0x21:
			if pos+2 > len(data) {
				return r.rest(data, pos)
			}
			collect := data[pos+1] != 0xF9
			body, next, ok := gifSubBlocks(data, pos+2, collect)
			if !ok {
				return r.rest(data, pos)
			}
			if len(body) > 0 {
				r.meta = append(r.meta, body)
			}
			pos = next
		case 0x2C:
			if pos+11 > len(data) {
				return r.rest(data, pos)
			}
			// descriptor, local color table, LZW minimum code size
			next := pos + 10 + colorTableSize(data[pos+9]) + 1
			_, next, ok := gifSubBlocks(data, next, false)
			if !ok {
				return r.rest(data, pos)
			}
			pos = next
		default:
			return r.rest(data, pos)
		}
	}
	return r
}

func colorTableSize(flags byte) int {
	if flags&0x80 == 0 {
		return 0
	}
	return 3 << (int(flags&0x07) + 1)
}

// gifSubBlocks reads the sub-block chain at pos and returns the offset past
// its terminator. With collect the block payloads are joined and returned.
func gifSubBlocks(data []byte, pos int, collect bool) ([]byte, int, bool) {
	var body []byte
	for pos < len(data) {
		n := int(data[pos])
		pos++
		if n == 0 {
			return body, pos, true
		}
		if pos+n > len(data) {
			return body, pos, false
		}
		if collect {
			body = append(body, data[pos:pos+n]...)
		}
		pos += n
	}
	return body, pos, false
}

// webpRegions walks the RIFF chunks. Bitstream chunks are skipped and bytes
// past the declared RIFF size are trailing.
func webpRegions(data []byte) regions {
	var r regions
	if len(data) < 12 || !bytes.Equal(data[:4], riffHead) {
		return r.rest(data, 0)
	}
	end := int(binary.LittleEndian.Uint32(data[4:8])) + 8
	if end < len(data) {
		r.trailing = data[end:]
	} else {
		end = len(data)
	}
	pos := 12
	for pos+8 <= end {
		fourcc := string(data[pos : pos+4])
		n := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if n < 0 || n > end-body {
			r.meta = append(r.meta, data[pos:end])
			return r
		}
		switch fourcc {
		case "VP8 ", "VP8L", "ALPH", "ANMF":
		default:
			r.meta = append(r.meta, data[body:body+n])
		}
		pos = body + n + n&1
	}
	return r
}

func lowerASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
