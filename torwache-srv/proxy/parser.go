package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
)

// headerTerminator separates the header block from the body.
var headerTerminator = []byte("\r\n\r\n")

// OrderedHeaders is a mapping of lowercase header names to trimmed values
// that preserves insertion order. Order matters because the headers are
// replayed verbatim when forwarding.
type OrderedHeaders struct {
	keys   []string
	values map[string]string
}

// NewOrderedHeaders returns an empty header mapping.
func NewOrderedHeaders() *OrderedHeaders {
	return &OrderedHeaders{values: make(map[string]string)}
}

// Set inserts or updates a header. An existing key keeps its original
// position; only the value is replaced.
func (h *OrderedHeaders) Set(key, value string) {
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns the value for key and whether it is present.
func (h *OrderedHeaders) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Len returns the number of headers.
func (h *OrderedHeaders) Len() int {
	return len(h.keys)
}

// Each calls fn for every header in insertion order.
func (h *OrderedHeaders) Each(fn func(key, value string)) {
	for _, k := range h.keys {
		fn(k, h.values[k])
	}
}

// ParsedRequest is the decomposed form of the client's request head.
// Method, Target and Version are all non-empty once parsing succeeds.
// Body holds any bytes that arrived on the wire after the header
// terminator; they belong to the request body, not the head.
type ParsedRequest struct {
	Method  string
	Target  string
	Version string
	Headers *OrderedHeaders
	Body    []byte
}

// readHeaderBlock reads from conn in bufferSize chunks until the accumulated
// buffer contains the CRLFCRLF terminator or the peer closes. It returns
// whatever was accumulated, possibly empty: a closed peer is not an error,
// the parse step simply works with what arrived. Other read errors (notably
// the client-side read timeout) surface to the caller together with the
// bytes read so far.
func readHeaderBlock(conn net.Conn, bufferSize int) ([]byte, error) {
	var data []byte
	buf := make([]byte, bufferSize)
	for !bytes.Contains(data, headerTerminator) {
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF || bytes.Contains(data, headerTerminator) {
				return data, nil
			}
			return data, err
		}
		if n == 0 {
			break
		}
	}
	return data, nil
}

// splitHeadAndBody separates the header block from body bytes that arrived
// in the same reads. readHeaderBlock stops on the first read containing the
// terminator, so anything past it was sent by the client as body and must
// not be lost.
func splitHeadAndBody(raw []byte) (head, body []byte) {
	if idx := bytes.Index(raw, headerTerminator); idx >= 0 {
		return raw[:idx], raw[idx+len(headerTerminator):]
	}
	return raw, nil
}

// parseHeaders splits a raw header block into the request line and the
// ordered header mapping. Lines without a colon are ignored. Arbitrary
// (non-UTF-8) bytes pass through untouched.
func parseHeaders(raw []byte) (requestLine string, headers *OrderedHeaders) {
	headers = NewOrderedHeaders()
	lines := strings.Split(string(raw), "\r\n")
	requestLine = lines[0]
	for _, line := range lines[1:] {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers.Set(strings.ToLower(key), strings.TrimSpace(value))
	}
	return requestLine, headers
}

// splitRequestLine decomposes "METHOD target VERSION". Fewer than three
// whitespace-separated tokens is a malformed request. The method is
// upper-cased.
func splitRequestLine(line string) (method, target, version string, err error) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("%w: request line %q", errMalformedRequest, line)
	}
	return strings.ToUpper(parts[0]), parts[1], parts[2], nil
}
