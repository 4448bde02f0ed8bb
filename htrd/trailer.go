package htrd

// resumeTrailers accumulates and parses chunked-transfer trailer headers
// (GET_CHUNK_TRAILERS), completing the record once the blank line after them
// is seen. Routed to Record.Trailers when the TRAILERS option is set,
// otherwise folded into the ordinary header table — both match headers being
// parsed through the same parse_header_field() in
// original_source/lib/htrd.c's get_trailing_headers.
func (d *Decoder) resumeTrailers(data []byte) (consumed int, finished bool, err error) {
	consumed, done := d.trailer.feed(data)
	if !done {
		return consumed, false, nil
	}

	lines := foldContinuations(splitLines(d.trailer.buf))
	target := d.rec.Headers
	if d.option&OptTrailers != 0 {
		target = d.rec.Trailers
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		name, value, ok := parseHeaderLine(line)
		if !ok {
			if d.option&OptStrict != 0 {
				return consumed, false, ErrBadHeader
			}
			continue
		}
		target.add(name, value)
		if err := captureHeader(d.rec, name, value); err != nil {
			return consumed, false, err
		}
	}

	d.trailer.reset()
	d.chunk.phase = chunkDone
	if err := d.finishRecord(); err != nil {
		return consumed, false, err
	}
	return consumed, true, nil
}
