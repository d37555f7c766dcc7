package mjpeg

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// jpegFrame builds a minimal fake JPEG: SOI, payload, EOI. The payload is
// scrubbed of accidental marker bytes.
func jpegFrame(payload []byte) []byte {
	body := bytes.ReplaceAll(payload, []byte{0xFF}, []byte{0x00})
	frame := append([]byte{0xFF, 0xD8}, body...)
	return append(frame, 0xFF, 0xD9)
}

func multipartStream(boundary string, frames ...[]byte) []byte {
	var b bytes.Buffer
	for _, f := range frames {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: image/jpeg\r\n\r\n")
		b.Write(f)
		b.WriteString("\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return b.Bytes()
}

// chunkedReader yields the input in fixed-size chunks, so markers straddle
// read boundaries.
type chunkedReader struct {
	data  []byte
	chunk int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func collectFrames(t *testing.T, e *Extractor) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		f, err := e.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("next: %v", err)
			}
			return out
		}
		out = append(out, f)
	}
}

func assertWellFormed(t *testing.T, frame []byte) {
	t.Helper()
	if len(frame) < 4 {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != 0xFF || frame[1] != 0xD8 {
		t.Errorf("frame does not begin with SOI: % X", frame[:2])
	}
	if frame[len(frame)-2] != 0xFF || frame[len(frame)-1] != 0xD9 {
		t.Errorf("frame does not end with EOI: % X", frame[len(frame)-2:])
	}
}

func TestExtractor_multipartFrames(t *testing.T) {
	f1 := jpegFrame([]byte("first frame payload"))
	f2 := jpegFrame([]byte("second frame payload"))
	stream := multipartStream("frameboundary", f1, f2)

	e := NewExtractor(bytes.NewReader(stream), 0)
	frames := collectFrames(t, e)

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for _, f := range frames {
		assertWellFormed(t, f)
	}
	if !bytes.Equal(frames[0], f1) || !bytes.Equal(frames[1], f2) {
		t.Error("extracted frames do not match input frames")
	}
}

func TestExtractor_markersSplitAcrossReads(t *testing.T) {
	// A large frame delivered in small chunks: SOI, EOI, and the boundary all
	// straddle read boundaries at some chunk size.
	payload := bytes.Repeat([]byte("x"), 200*1024)
	frame := jpegFrame(payload)
	stream := multipartStream("b", frame)

	for _, chunk := range []int{1, 3, 7, 1024} {
		e := NewExtractor(&chunkedReader{data: stream, chunk: chunk}, 0)
		frames := collectFrames(t, e)
		if len(frames) != 1 {
			t.Fatalf("chunk %d: expected 1 frame, got %d", chunk, len(frames))
		}
		assertWellFormed(t, frames[0])
		if !bytes.Equal(frames[0], frame) {
			t.Errorf("chunk %d: frame corrupted", chunk)
		}
	}
}

func TestExtractor_missingLeadingBoundary(t *testing.T) {
	// Some cameras start mid-stream without a leading boundary.
	frame := jpegFrame([]byte("payload"))
	var b bytes.Buffer
	b.Write(frame)
	b.WriteString("\r\n--b\r\nContent-Type: image/jpeg\r\n\r\n")
	b.Write(frame)

	e := NewExtractor(bytes.NewReader(b.Bytes()), 0)
	frames := collectFrames(t, e)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}

func TestExtractor_garbageBetweenFrames(t *testing.T) {
	f1 := jpegFrame([]byte("one"))
	f2 := jpegFrame([]byte("two"))
	var b bytes.Buffer
	b.WriteString("some noise without markers")
	b.Write(f1)
	b.WriteString("more noise")
	b.Write(f2)

	e := NewExtractor(bytes.NewReader(b.Bytes()), 0)
	frames := collectFrames(t, e)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for _, f := range frames {
		assertWellFormed(t, f)
	}
}

func TestExtractor_oversizePartialIsSkipped(t *testing.T) {
	// A frame that never closes, followed by a good frame.
	unclosed := append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{0x00}, 4096)...)
	good := jpegFrame([]byte("good"))
	var b bytes.Buffer
	b.Write(unclosed)
	b.Write(good)

	e := NewExtractor(bytes.NewReader(b.Bytes()), 1024)
	frames := collectFrames(t, e)
	if len(frames) != 1 {
		t.Fatalf("expected only the good frame, got %d", len(frames))
	}
	assertWellFormed(t, frames[0])
	if !bytes.Equal(frames[0], good) {
		t.Error("surviving frame should be the closed one")
	}
	if e.Skipped() == 0 {
		t.Error("skip event should be recorded for the oversize partial")
	}
}

func TestExtractor_emptyStream(t *testing.T) {
	e := NewExtractor(bytes.NewReader(nil), 0)
	if _, err := e.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestExtractor_framesDoNotOverlap(t *testing.T) {
	frames := [][]byte{
		jpegFrame([]byte("a")),
		jpegFrame([]byte("bb")),
		jpegFrame([]byte("ccc")),
	}
	stream := multipartStream("b", frames...)

	e := NewExtractor(&chunkedReader{data: stream, chunk: 5}, 0)
	got := collectFrames(t, e)
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for i := range got {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d mismatch", i)
		}
	}
}
