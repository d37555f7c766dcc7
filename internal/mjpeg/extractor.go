package mjpeg

import (
	"bytes"
	"io"
)

// JPEG start-of-image and end-of-image markers. A complete frame is the byte
// range [SOI, EOI] inclusive; multipart boundaries and per-part headers sit
// between frames and are discarded.
var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

const readChunkSize = 32 * 1024

// Extractor parses an MJPEG byte stream into individual JPEG frames. It is
// tied to the underlying stream: once the stream ends the extractor is done.
// Markers split across reads are handled by the rolling buffer. Not safe for
// concurrent use.
type Extractor struct {
	r        io.Reader
	buf      []byte
	chunk    []byte
	maxFrame int
	skipped  int64
}

// NewExtractor returns an Extractor reading from r. Partial frames larger
// than maxFrameBytes are discarded and counted as skips.
func NewExtractor(r io.Reader, maxFrameBytes int) *Extractor {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 8 << 20
	}
	return &Extractor{
		r:        r,
		chunk:    make([]byte, readChunkSize),
		maxFrame: maxFrameBytes,
	}
}

// Next returns the next complete JPEG frame. It returns io.EOF when the
// stream ends cleanly and whatever error the underlying reader produced
// otherwise. The returned slice is owned by the caller.
func (e *Extractor) Next() ([]byte, error) {
	for {
		if frame, ok := e.scan(); ok {
			return frame, nil
		}

		n, err := e.r.Read(e.chunk)
		if n > 0 {
			e.buf = append(e.buf, e.chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		// A trailing complete frame may still be buffered at stream end.
		if frame, ok := e.scan(); ok {
			return frame, nil
		}
		return nil, err
	}
}

// Skipped returns the number of discarded partial or oversize frames.
func (e *Extractor) Skipped() int64 {
	return e.skipped
}

// scan extracts one complete frame from the buffer if present, maintaining
// the memory bound: at most one in-flight frame plus marker lookahead.
func (e *Extractor) scan() ([]byte, bool) {
	for {
		start := bytes.Index(e.buf, soiMarker)
		if start < 0 {
			// Keep one byte in case the buffer ends mid-marker.
			if len(e.buf) > 1 {
				e.buf = append(e.buf[:0], e.buf[len(e.buf)-1:]...)
			}
			return nil, false
		}
		if start > 0 {
			// Multipart boundary, part headers, or garbage before the frame.
			e.buf = append(e.buf[:0], e.buf[start:]...)
		}

		if end := bytes.Index(e.buf[len(soiMarker):], eoiMarker); end >= 0 {
			frameLen := len(soiMarker) + end + len(eoiMarker)
			if frameLen > e.maxFrame {
				e.skipped++
				e.buf = append(e.buf[:0], e.buf[len(soiMarker):]...)
				continue
			}
			frame := make([]byte, frameLen)
			copy(frame, e.buf[:frameLen])
			e.buf = append(e.buf[:0], e.buf[frameLen:]...)
			return frame, true
		}

		if len(e.buf) > e.maxFrame {
			// Oversize partial: drop this SOI and rescan from the next one.
			e.skipped++
			e.buf = append(e.buf[:0], e.buf[len(soiMarker):]...)
			continue
		}
		return nil, false
	}
}
