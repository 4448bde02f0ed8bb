package htrd

// chunkPhase names the chunked-transfer sub-states of spec.md §4.8,
// preserving the original's GET_CHUNK_* ordering (original_source/lib/htrd.c)
// so chunkDone's zero value lines up with a freshly cleared decoder.
type chunkPhase int

const (
	chunkDone chunkPhase = iota
	chunkLen
	chunkData
	chunkCRLF
	chunkTrailers
)

type chunkState struct {
	phase chunkPhase
	len   uint64
	count int
}

// resumeChunkLen ports getchunklen(): accumulate hex digits of a chunk-size
// line, tolerating the call boundary falling mid-digit-run across separate
// Feed invocations.
func (d *Decoder) resumeChunkLen(data []byte) (consumed int, finished bool, err error) {
	i := 0
	if d.chunk.count == 0 {
		for i < len(data) && isSpace(data[i]) {
			i++
		}
	}

	for i < len(data) {
		n := xdigitToNum(data[i])
		if n < 0 {
			break
		}
		d.chunk.len = d.chunk.len*16 + uint64(n)
		d.chunk.count++
		i++
	}

	for i < len(data) && isSpace(data[i]) {
		i++
	}

	if i >= len(data) {
		return i, false, nil
	}
	if data[i] != '\n' {
		return i, false, ErrBadRecord
	}
	i++

	switch {
	case d.chunk.count == 0:
		// empty chunk-size line: no more chunks, matches original's
		// "empty line - no more chunk" shortcut.
		d.chunk.phase = chunkDone
	case d.chunk.len == 0:
		d.chunk.phase = chunkTrailers
		d.trailer.reset()
		// The chunk-size line's own terminating LF already counts as the
		// first half of the header-block blank-line terminator: an empty
		// trailer section must complete on the very next bare CRLF, not
		// require a second one. Ported from original_source/lib/htrd.c's
		// dechunk_get_trailers priming htrd->fed.s.crlf = 2.
		d.trailer.crlf = 2
	default:
		d.chunk.phase = chunkData
	}
	d.need = d.chunk.len

	if d.chunk.phase == chunkDone {
		if err := d.finishRecord(); err != nil {
			return i, false, err
		}
		return i, true, nil
	}
	return i, false, nil
}

// resumeChunkCRLF consumes the CRLF trailing a chunk's data and restarts
// chunk-length scanning for the next chunk.
func (d *Decoder) resumeChunkCRLF(data []byte) (consumed int, err error) {
	i := 0
	for i < len(data) && isSpace(data[i]) {
		i++
	}
	if i >= len(data) {
		return i, nil
	}
	if data[i] != '\n' {
		return i, ErrBadRecord
	}
	i++

	d.chunk.phase = chunkLen
	d.chunk.len = 0
	d.chunk.count = 0
	return i, nil
}
