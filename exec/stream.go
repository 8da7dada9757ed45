package exec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Stream is one rendered output stream: Complete text, or a TruncatedStream when
// the output exceeded the capture limit.
type Stream interface {
	// Text returns the stored text.
	Text() string
	// Truncated reports whether output was cut at the capture limit.
	Truncated() bool
	isStream()
}

// Complete is the whole output of a stream, encoded as a plain JSON string.
type Complete string

// TruncatedStream is a capped prefix of a stream plus its true size in bytes.
type TruncatedStream struct {
	TruncatedText string `json:"truncated_text"`
	TotalBytes    int    `json:"total_bytes"`
}

func (c Complete) Text() string    { return string(c) }
func (c Complete) Truncated() bool { return false }
func (Complete) isStream()         {}

func (t TruncatedStream) Text() string  { return t.TruncatedText }
func (TruncatedStream) Truncated() bool { return true }
func (TruncatedStream) isStream()       {}

// RenderStream applies the capture policy to already collected bytes.
//
// Data that fits in limit is returned as Complete. Longer data becomes a
// TruncatedStream holding the first limit bytes. A limit <= 0 or empty data
// renders as Complete(""). Invalid UTF-8 is replaced, never rejected.
func RenderStream(data []byte, limit int) Stream {
	if limit <= 0 || len(data) == 0 {
		return Complete("")
	}
	if len(data) <= limit {
		return Complete(decodeLossy(data))
	}
	return TruncatedStream{
		TruncatedText: decodeLossy(trimPartialRune(data[:limit])),
		TotalBytes:    len(data),
	}
}

// UnmarshalStream decodes either a JSON string or a truncated_text object.
func UnmarshalStream(data []byte) (Stream, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Complete(""), nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode stream: %w", err)
		}
		return Complete(s), nil
	}
	var t TruncatedStream
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode stream: %w", err)
	}
	return t, nil
}

func decodeLossy(b []byte) string {
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// trimPartialRune drops an incomplete UTF-8 sequence cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for back := 1; back <= utf8.UTFMax-1 && back <= len(b); back++ {
		c := b[len(b)-back]
		if c < utf8.RuneSelf {
			return b
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-back:]) {
				return b[:len(b)-back]
			}
			return b
		}
	}
	return b
}
