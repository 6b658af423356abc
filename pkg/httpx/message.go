// Package httpx parses raw HTTP messages into immutable Transactions and
// provides the byte-level framing helpers used by the relay path.
package httpx

import (
	"bytes"
	"strconv"
)

var (
	crlf          = []byte("\r\n")
	bodySeparator = []byte("\r\n\r\n")
)

// ContainsBodySeparator reports whether the blank-line header/body
// separator has been received. Used as the recv-until predicate for
// inbound requests and response heads.
func ContainsBodySeparator(data []byte) bool {
	return bytes.Contains(data, bodySeparator)
}

// ContentLength extracts the Content-Length header from a raw message
// head. Returns -1 when absent, meaning no body is expected.
func ContentLength(raw []byte) int {
	v := HeaderValue(raw, "Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// HeaderValue scans a raw message for the first header with the given
// name and returns its trimmed value, or "" when missing.
func HeaderValue(raw []byte, name string) string {
	prefix := []byte(name + ":")
	for _, line := range bytes.Split(raw, crlf) {
		if idx := bytes.Index(line, prefix); idx >= 0 {
			return string(bytes.TrimSpace(line[idx+len(prefix):]))
		}
	}
	return ""
}

// BodyOffset returns the index right after the header/body separator,
// or -1 when the separator is not present.
func BodyOffset(raw []byte) int {
	idx := bytes.Index(raw, bodySeparator)
	if idx < 0 {
		return -1
	}
	return idx + len(bodySeparator)
}
