// Package htrd implements the incremental HTTP request/response decoder
// named by spec.md §4.8: a line+header+body parser with chunked and trailer
// support, fed arbitrarily sized slices of wire bytes and driven entirely by
// Feed — it performs no I/O of its own.
//
// The state machine is ported from original_source/lib/htrd.c, trading the
// original's goto-based resumption for an explicit phase enum plus small
// resume* methods, one per suspend point, so a Decoder can be fed one byte at
// a time or the whole message at once and produce identical callbacks either
// way.
package htrd

import (
	"math"
	"strconv"
	"strings"
)

// Option is the HTRD option bitmask (spec.md §4.8 "Options").
type Option uint32

const (
	OptRequest Option = 1 << iota
	OptResponse
	OptCanonQPath
	OptStrict
	OptTrailers
	OptSkipInitialLine
	OptSkipEmptyLines
)

// RecordKind distinguishes a parsed request line from a status line.
type RecordKind int

const (
	KindRequest RecordKind = iota
	KindResponse
)

// Version is the HTTP version carried on the initial line.
type Version struct {
	Major int
	Minor int
}

// Record is the decoded request or response, spec.md §4.8's external
// `{type, version, verstr, code|method, path, param, anchor, headers,
// trailers, flags, content}` structure.
type Record struct {
	Kind    RecordKind
	Version Version
	VerStr  string

	Method string
	Path   string
	Param  string
	Anchor string

	StatusCode int
	StatusMsg  string

	Headers  *HeaderTable
	Trailers *HeaderTable

	Flags         RecordFlag
	ContentLength uint64

	Content []byte
}

func newRecord() *Record {
	return &Record{Headers: newHeaderTable(), Trailers: newHeaderTable()}
}

// Callbacks are the decoder's upcalls, spec.md §4.8.
//
// Peek fires once the header block completes; returning an error aborts the
// feed (matching the original treating a negative peek() return as fatal).
// The handler may call Suspend or Dummify on the same Decoder before
// returning.
//
// Poke fires when the body (if any) completes.
//
// PushContent is optional; when nil, content is appended to Record.Content.
type Callbacks struct {
	Peek        func(*Record) error
	Poke        func(*Record) error
	PushContent func(*Record, []byte) error
}

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyUntilClose
)

// blockScanner accumulates bytes until it observes a blank line (CRLFCRLF or
// LFLF), the terminator of both the header block and a trailer block. The
// crlf counter is a direct port of htrd->fed.s.crlf's 0..3 state machine.
type blockScanner struct {
	buf  []byte
	crlf int
}

func (b *blockScanner) feed(src []byte) (consumed int, done bool) {
	for i, c := range src {
		b.buf = append(b.buf, c)
		switch c {
		case '\n':
			if b.crlf <= 1 {
				b.crlf = 2
			} else {
				b.crlf = 0
				return i + 1, true
			}
		case '\r':
			if b.crlf == 0 || b.crlf == 2 {
				b.crlf++
			} else {
				b.crlf = 1
			}
		default:
			b.crlf = 0
		}
	}
	return len(src), false
}

func (b *blockScanner) reset() {
	b.buf = b.buf[:0]
	b.crlf = 0
}

// Decoder is a single streaming HTTP message parser. It is not safe for
// concurrent use, matching the single-goroutine contract the rest of this
// module follows (doc.go).
type Decoder struct {
	option Option
	cb     Callbacks

	rec *Record

	header  blockScanner
	trailer blockScanner

	mode              bodyMode
	need              uint64
	consumeUntilClose bool
	dropRest          bool

	chunk chunkState

	clean     bool
	suspended bool
	dummified bool
}

// NewDecoder creates a Decoder configured with the given option bitmask.
func NewDecoder(opt Option) *Decoder {
	return &Decoder{option: opt, clean: true, rec: newRecord()}
}

func (d *Decoder) SetCallbacks(cb Callbacks) { d.cb = cb }
func (d *Decoder) Option() Option            { return d.option }
func (d *Decoder) SetOption(opt Option)      { d.option = opt }

// Record returns the in-progress (or most recently completed) record.
func (d *Decoder) Record() *Record { return d.rec }

func (d *Decoder) Suspend()   { d.suspended = true }
func (d *Decoder) Resume()    { d.suspended = false }
func (d *Decoder) Dummify()   { d.dummified = true }
func (d *Decoder) Undummify() { d.dummified = false }

func (d *Decoder) clearFeed() {
	d.clean = true
	d.rec = newRecord()
	d.header.reset()
	d.trailer.reset()
	d.mode = bodyNone
	d.need = 0
	d.consumeUntilClose = false
	d.chunk = chunkState{}
}

// Clear resets the decoder to its initial state, including suspend/dummify
// flags, for reuse on a new connection.
func (d *Decoder) Clear() {
	d.clearFeed()
	d.suspended = false
	d.dummified = false
}

// Feed supplies more wire octets. If stopAfterRecord is true, Feed returns as
// soon as one full request/response completes, with rem holding the count of
// bytes in data left unconsumed (mirroring the 'rem' out-parameter of
// hio_htrd_feed, used by callers such as an HTTP Upgrade handshake that must
// hand leftover bytes to a different protocol). With stopAfterRecord false,
// Feed keeps consuming pipelined messages until data is exhausted.
func (d *Decoder) Feed(data []byte, stopAfterRecord bool) (rem int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	if d.suspended {
		return 0, ErrSuspended
	}
	if d.dummified {
		if err := d.pushContentRec(data); err != nil {
			return 0, err
		}
		return 0, nil
	}

	for len(data) > 0 {
		if d.dropRest {
			d.dropRest = false
			return 0, nil
		}

		switch {
		case d.chunk.phase == chunkData, d.mode == bodyLength, d.mode == bodyUntilClose:
			n, finished, err := d.resumeBody(data)
			data = data[n:]
			if err != nil {
				return 0, err
			}
			if finished && stopAfterRecord {
				return len(data), nil
			}
			if n == 0 {
				return 0, nil
			}

		case d.chunk.phase == chunkLen:
			n, finished, err := d.resumeChunkLen(data)
			data = data[n:]
			if err != nil {
				return 0, err
			}
			if finished && stopAfterRecord {
				return len(data), nil
			}
			if n == 0 {
				return 0, nil
			}

		case d.chunk.phase == chunkCRLF:
			n, err := d.resumeChunkCRLF(data)
			data = data[n:]
			if err != nil {
				return 0, err
			}
			if n == 0 {
				return 0, nil
			}

		case d.chunk.phase == chunkTrailers:
			n, finished, err := d.resumeTrailers(data)
			data = data[n:]
			if err != nil {
				return 0, err
			}
			if finished && stopAfterRecord {
				return len(data), nil
			}
			if n == 0 {
				return 0, nil
			}

		default:
			d.clean = false
			consumed, done := d.header.feed(data)
			data = data[consumed:]
			if !done {
				return 0, nil
			}
			finished, err := d.completeHeader()
			if err != nil {
				return 0, err
			}
			if finished && stopAfterRecord {
				return len(data), nil
			}
		}
	}
	return 0, nil
}

// Halt forces completion of a response body framed as read-until-close, or
// any other message left mid-stream, because the underlying connection
// closed. spec.md §4.8: the caller invokes this once end-of-stream is known.
func (d *Decoder) Halt() error {
	if d.consumeUntilClose || !d.clean {
		return d.finishRecord()
	}
	return nil
}

func (d *Decoder) finishRecord() error {
	if d.cb.Poke != nil {
		if err := d.cb.Poke(d.rec); err != nil {
			return err
		}
	}
	d.clearFeed()
	return nil
}

func (d *Decoder) pushContentRec(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if d.cb.PushContent != nil {
		return d.cb.PushContent(d.rec, p)
	}
	d.rec.Content = append(d.rec.Content, p...)
	return nil
}

// resumeBody drains up to d.need bytes of content-length/until-close/chunked
// body data, resumable across Feed calls (original's content_resume label).
func (d *Decoder) resumeBody(data []byte) (consumed int, finished bool, err error) {
	if d.need == 0 {
		return 0, false, nil
	}
	avail := uint64(len(data))
	if avail == 0 {
		return 0, false, nil
	}

	if avail < d.need {
		if err := d.pushContentRec(data); err != nil {
			return 0, false, err
		}
		if !d.consumeUntilClose {
			d.need -= avail
		}
		return len(data), false, nil
	}

	n := int(d.need)
	if err := d.pushContentRec(data[:n]); err != nil {
		return 0, false, err
	}
	if !d.consumeUntilClose {
		d.need = 0
	}

	if d.chunk.phase == chunkData {
		d.chunk.phase = chunkCRLF
		return n, false, nil
	}

	d.mode = bodyNone
	if err := d.finishRecord(); err != nil {
		return n, false, err
	}
	return n, true, nil
}

// completeHeader parses the buffered header block, invokes Peek, and decides
// how the body (if any) will be framed.
func (d *Decoder) completeHeader() (finished bool, err error) {
	lines := foldContinuations(splitLines(d.header.buf))
	if len(lines) == 0 {
		return false, ErrBadRecord
	}

	idx := 0
	if d.option&OptSkipInitialLine == 0 {
		if err := parseInitialLine(lines[0], d.rec, d.option); err != nil {
			return false, err
		}
		idx = 1
	} else {
		d.rec.Kind = KindRequest
	}

	if d.rec.Version.Major > 1 || (d.rec.Version.Major == 1 && d.rec.Version.Minor >= 1) {
		// Initial guess; Connection: close/keep-alive below can override it.
		d.rec.Flags |= FlagKeepAlive
	}

	for _, line := range lines[idx:] {
		if line == "" {
			continue
		}
		name, value, ok := parseHeaderLine(line)
		if !ok {
			if d.option&OptStrict != 0 {
				return false, ErrBadHeader
			}
			continue
		}
		d.rec.Headers.add(name, value)
		if err := captureHeader(d.rec, name, value); err != nil {
			return false, err
		}
	}

	d.header.reset()

	if d.cb.Peek != nil {
		if err := d.cb.Peek(d.rec); err != nil {
			return false, err
		}
	}

	return d.startBody()
}

// startBody picks the body-framing mode per spec.md §4.8 ("Body: one of
// content-length, transfer-encoding: chunked, or read-to-close").
func (d *Decoder) startBody() (finished bool, err error) {
	switch {
	case d.rec.Flags&FlagChunked != 0:
		d.chunk.phase = chunkLen
		d.chunk.len = 0
		d.chunk.count = 0
		return false, nil

	case d.option&OptResponse != 0 && d.rec.Kind == KindResponse &&
		d.rec.Flags&FlagLength == 0 && d.rec.Flags&FlagKeepAlive == 0:
		// No length, not chunked, connection will close: read until EOF.
		// The caller must call Halt() once the connection closes.
		d.mode = bodyUntilClose
		d.consumeUntilClose = true
		d.need = math.MaxUint64
		return false, nil

	case d.option&OptResponse != 0 && d.rec.Kind == KindResponse &&
		d.rec.Flags&FlagLength == 0 && d.rec.Flags&FlagKeepAlive != 0:
		// No length, not chunked, but keep-alive: there is no reliable way
		// to know where the body ends. original_source/lib/htrd.c documents
		// this as an unavoidable workaround. The record finishes with no
		// content and the rest of this feed is dropped; if nothing is left
		// in this feed, or stopAfterRecord hands the rest back as rem, the
		// whole of the next Feed call is dropped instead. Bytes after the
		// dropped part are not rejected: they are parsed as a new message.
		d.dropRest = true
		if err := d.finishRecord(); err != nil {
			return false, err
		}
		return true, nil

	default:
		d.need = d.rec.ContentLength
		if d.need == 0 {
			if err := d.finishRecord(); err != nil {
				return false, err
			}
			return true, nil
		}
		d.mode = bodyLength
		return false, nil
	}
}

func isAlpha(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' }

func xdigitToNum(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// splitLines splits a header/trailer block on '\n', trimming a trailing '\r'
// from each line (CRLF or bare-LF framing handled identically, spec.md
// §8's line-ending test), and drops the trailing empty lines produced by the
// block's terminating blank line.
func splitLines(raw []byte) []string {
	parts := strings.Split(string(raw), "\n")
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		lines = append(lines, strings.TrimSuffix(p, "\r"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// foldContinuations merges a header line that begins with a space or tab
// into the previous line, replacing the leading folding whitespace with a
// single SP, per spec.md §4.8's RFC 2616 LWS-folding rule.
func foldContinuations(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i, ln := range lines {
		if i > 0 && len(ln) > 0 && (ln[0] == ' ' || ln[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimLeft(ln, " \t")
			continue
		}
		out = append(out, ln)
	}
	return out
}

func parseHeaderLine(line string) (name, value string, ok bool) {
	ci := strings.IndexByte(line, ':')
	if ci < 0 {
		return "", "", false
	}
	name = strings.TrimRight(line[:ci], " \t")
	if name == "" {
		return "", "", false
	}
	value = strings.Trim(line[ci+1:], " \t")
	return name, value, true
}

// parseInitialLine parses the request or status line, ported from
// original_source/lib/htrd.c's parse_initial_line.
func parseInitialLine(line string, rec *Record, opt Option) error {
	i := 0
	for i < len(line) && isAlpha(line[i]) {
		i++
	}
	if i == 0 {
		return ErrBadRecord
	}
	token := line[:i]
	rest := line[i:]

	if opt&OptResponse != 0 && strings.EqualFold(token, "HTTP") {
		return parseStatusLine(line[i:], rec)
	}
	if opt&OptRequest == 0 {
		return ErrBadRecord
	}
	if rest == "" || !(rest[0] == ' ' || rest[0] == '\t') {
		return ErrBadRecord
	}

	rec.Kind = KindRequest
	rec.Method = token
	return parseRequestTarget(strings.TrimLeft(rest, " \t"), rec, opt)
}

func parseRequestTarget(s string, rec *Record, opt Option) error {
	i := 0
	for i < len(s) && !isSpace(s[i]) {
		i++
	}
	if i == 0 {
		return ErrBadRecord
	}
	target := s[:i]
	rest := strings.TrimLeft(s[i:], " \t")

	path, param, anchor := target, "", ""
	if qi := strings.IndexByte(target, '?'); qi >= 0 {
		path = target[:qi]
		remainder := target[qi+1:]
		if hi := strings.IndexByte(remainder, '#'); hi >= 0 {
			param = remainder[:hi]
			anchor = remainder[hi+1:]
		} else {
			param = remainder
		}
	} else if hi := strings.IndexByte(target, '#'); hi >= 0 {
		path = target[:hi]
		anchor = target[hi+1:]
	}
	if path == "" {
		return ErrBadRecord
	}

	if opt&OptCanonQPath != 0 {
		path = canonPath(path)
	}

	ver, ok := parseHTTPVersion(strings.TrimRight(rest, " \t"))
	if !ok {
		return ErrBadRecord
	}

	rec.Path = path
	rec.Param = param
	rec.Anchor = anchor
	rec.Version = ver
	rec.VerStr = "HTTP/" + strconv.Itoa(ver.Major) + "." + strconv.Itoa(ver.Minor)
	return nil
}

func parseStatusLine(rest string, rec *Record) error {
	ver, after, ok := parseVersionPrefix(rest)
	if !ok {
		return ErrBadRecord
	}
	after = strings.TrimLeft(after, " \t")

	i := 0
	for i < len(after) && isDigit(after[i]) {
		i++
	}
	if i == 0 {
		return ErrBadRecord
	}
	code, _ := strconv.Atoi(after[:i])
	msg := strings.TrimSpace(after[i:])

	rec.Kind = KindResponse
	rec.Version = ver
	rec.VerStr = "HTTP/" + strconv.Itoa(ver.Major) + "." + strconv.Itoa(ver.Minor)
	rec.StatusCode = code
	rec.StatusMsg = msg
	return nil
}

// parseVersionPrefix parses a leading "/major.minor" (the part of "HTTP/1.1"
// after "HTTP") and returns the rest of the string after it.
func parseVersionPrefix(s string) (Version, string, bool) {
	if len(s) < 2 || s[0] != '/' {
		return Version{}, "", false
	}
	i := 1
	majStart := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == majStart {
		return Version{}, "", false
	}
	maj, _ := strconv.Atoi(s[majStart:i])

	if i >= len(s) || s[i] != '.' {
		return Version{}, "", false
	}
	i++
	minStart := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == minStart {
		return Version{}, "", false
	}
	min, _ := strconv.Atoi(s[minStart:i])

	return Version{Major: maj, Minor: min}, s[i:], true
}

func parseHTTPVersion(s string) (Version, bool) {
	if len(s) < 5 || !strings.EqualFold(s[:4], "HTTP") {
		return Version{}, false
	}
	ver, rest, ok := parseVersionPrefix(s[4:])
	if !ok || strings.TrimSpace(rest) != "" {
		return Version{}, false
	}
	return ver, true
}
