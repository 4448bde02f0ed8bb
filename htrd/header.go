package htrd

import "strings"

// RecordFlag mirrors HIO_HTRE_ATTR_* (spec.md §4.8 "flags").
type RecordFlag uint32

const (
	FlagKeepAlive RecordFlag = 1 << iota
	FlagLength
	FlagChunked
	FlagExpect
	FlagExpect100
)

// HeaderTable holds header fields in arrival order. spec.md §4.8: "Multiple
// same-named headers form a linked list of values preserving arrival order;
// Set-Cookie is never folded" — so each arrival keeps its own string rather
// than being comma-joined into the prior one.
type HeaderTable struct {
	names []string
	vals  map[string][]string
}

func newHeaderTable() *HeaderTable {
	return &HeaderTable{vals: make(map[string][]string)}
}

func canonKey(name string) string { return strings.ToLower(name) }

func (t *HeaderTable) add(name, value string) {
	k := canonKey(name)
	if _, ok := t.vals[k]; !ok {
		t.names = append(t.names, name)
	}
	t.vals[k] = append(t.vals[k], value)
}

// Values returns every value supplied for name, in arrival order.
func (t *HeaderTable) Values(name string) []string {
	return t.vals[canonKey(name)]
}

// Get returns the first value supplied for name.
func (t *HeaderTable) Get(name string) (string, bool) {
	vs := t.vals[canonKey(name)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Names returns header field names in first-arrival order.
func (t *HeaderTable) Names() []string { return t.names }

func (t *HeaderTable) clear() {
	t.names = t.names[:0]
	for k := range t.vals {
		delete(t.vals, k)
	}
}

// captureHeader dispatches the small set of headers the decoder itself must
// understand to drive framing (spec.md §4.8), ported from htrd.c's
// capture_key_header binary-search dispatch and expressed as a switch over
// the canonical key.
func captureHeader(rec *Record, name, value string) error {
	switch canonKey(name) {
	case "connection":
		captureConnection(rec, value)
	case "content-length":
		return captureContentLength(rec, value)
	case "expect":
		captureExpect(rec, value)
	case "transfer-encoding":
		return captureTransferEncoding(rec, value)
	}
	return nil
}

func captureConnection(rec *Record, value string) {
	hasClose, hasKeep := false, false
	for _, w := range strings.Split(value, ",") {
		w = strings.TrimSpace(w)
		if strings.EqualFold(w, "close") {
			hasClose = true
		}
		if strings.EqualFold(w, "keep-alive") {
			hasKeep = true
		}
	}

	switch {
	case hasClose:
		rec.Flags &^= FlagKeepAlive
	case hasKeep:
		rec.Flags |= FlagKeepAlive
	default:
		// Unrecognized Connection value: HTTP/1.0 and earlier default to
		// close, HTTP/1.1+ keeps whatever keepalive state already holds.
		if rec.Version.Major < 1 || (rec.Version.Major == 1 && rec.Version.Minor <= 0) {
			rec.Flags &^= FlagKeepAlive
		}
	}
}

func captureContentLength(rec *Record, value string) error {
	if len(value) == 0 {
		return ErrBadRecord
	}

	var n uint64
	for i := 0; i < len(value); i++ {
		c := value[i]
		if !isDigit(c) {
			return ErrBadRecord
		}
		next := n*10 + uint64(c-'0')
		if next < n {
			return ErrBadRecord // overflow
		}
		n = next
	}

	if rec.Flags&FlagChunked != 0 && n > 0 {
		// Transfer-Encoding: chunked with a nonzero Content-Length is a
		// conflicting framing and rejected outright.
		return ErrBadRecord
	}

	rec.Flags |= FlagLength
	rec.ContentLength = n
	return nil
}

func captureExpect(rec *Record, value string) {
	rec.Flags |= FlagExpect
	if strings.EqualFold(strings.TrimSpace(value), "100-continue") {
		rec.Flags |= FlagExpect100
	}
}

func captureTransferEncoding(rec *Record, value string) error {
	if !strings.EqualFold(strings.TrimSpace(value), "chunked") {
		// No other transfer-coding is supported.
		return ErrBadRecord
	}
	if rec.Flags&FlagLength != 0 && rec.ContentLength > 0 {
		return ErrBadRecord
	}
	rec.Flags |= FlagChunked
	return nil
}
