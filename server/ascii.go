package server

// asciiEncoder converts LF to CRLF for downloads in TYPE A.
//
// Line endings that already are CRLF are kept as is. The encoder remembers
// whether the previous chunk ended with CR so chunk boundaries do not matter.
type asciiEncoder struct {
	prevWasCR bool
}

// encode appends the converted form of src to dst.
func (e *asciiEncoder) encode(dst, src []byte) []byte {
	for _, b := range src {
		if b == '\n' && !e.prevWasCR {
			dst = append(dst, '\r')
		}
		dst = append(dst, b)
		e.prevWasCR = b == '\r'
	}
	return dst
}

// asciiDecoder converts CRLF to LF for uploads in TYPE A.
//
// A CR at the end of a chunk is held back until the next byte shows whether
// it starts a CRLF pair. A lone CR is kept.
type asciiDecoder struct {
	pendingCR bool
}

// decode appends the converted form of src to dst.
func (d *asciiDecoder) decode(dst, src []byte) []byte {
	for _, b := range src {
		if d.pendingCR {
			d.pendingCR = false
			if b == '\n' {
				dst = append(dst, '\n')
				continue
			}
			dst = append(dst, '\r')
		}
		if b == '\r' {
			d.pendingCR = true
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// flush returns a CR still held back at end of stream.
func (d *asciiDecoder) flush(dst []byte) []byte {
	if d.pendingCR {
		d.pendingCR = false
		dst = append(dst, '\r')
	}
	return dst
}
