// Package mjpeg splits a continuous MJPEG byte stream into discrete JPEG
// frames using the JPEG start/end-of-image markers.
package mjpeg

import (
	"bytes"

	"github.com/sitesight/visionrelay/internal/logger"
)

// JPEG markers. A frame is the bytes from an SOI sequence through the
// next EOI sequence, inclusive.
var (
	soiMarker = []byte{0xFF, 0xD8, 0xFF, 0xE0}
	eoiMarker = []byte{0xFF, 0xD9}
)

// DefaultMaxBuffer bounds the accumulation buffer. A stream that never
// produces an end marker (corrupted source) is discarded at this point
// rather than growing without limit.
const DefaultMaxBuffer = 10 * 1024 * 1024

// Demuxer accumulates raw capture output and extracts complete frames.
// It is not safe for concurrent use; each capture session owns exactly
// one Demuxer and feeds it from a single goroutine.
type Demuxer struct {
	buf       []byte
	maxBuffer int
	resets    uint64
}

// NewDemuxer returns a Demuxer with the given buffer ceiling.
// maxBuffer <= 0 selects DefaultMaxBuffer.
func NewDemuxer(maxBuffer int) *Demuxer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Demuxer{maxBuffer: maxBuffer}
}

// Feed appends chunk to the accumulation buffer and returns every
// complete frame now available, in stream order. Correctness depends
// only on the cumulative bytes fed, not on how the stream was chunked:
// markers split across chunk boundaries are handled by searching the
// whole buffer.
func (d *Demuxer) Feed(chunk []byte) [][]byte {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var frames [][]byte
	for {
		eoi := bytes.Index(d.buf, eoiMarker)
		if eoi == -1 {
			break
		}

		end := eoi + len(eoiMarker)
		candidate := d.buf[:end]

		// Only emit payloads that contain a JPEG start marker. A buffer
		// holding nothing but a stray end marker (mid-frame join, line
		// noise) is discarded instead of emitted.
		if bytes.Contains(candidate, soiMarker) {
			frame := make([]byte, end)
			copy(frame, candidate)
			frames = append(frames, frame)
		}

		d.buf = d.advance(end)
	}

	if len(d.buf) > d.maxBuffer {
		logger.Warn("Demuxer", "accumulation buffer exceeded %d bytes without end marker, resetting", d.maxBuffer)
		d.buf = nil
		d.resets++
	}

	return frames
}

// BufferedLen reports how many bytes are waiting for an end marker.
func (d *Demuxer) BufferedLen() int {
	return len(d.buf)
}

// Resets reports how many times the overflow guard discarded the buffer.
func (d *Demuxer) Resets() uint64 {
	return d.resets
}

// advance re-slices the buffer past the consumed prefix, copying the
// remainder so the emitted frame and the buffer never alias.
func (d *Demuxer) advance(n int) []byte {
	if n >= len(d.buf) {
		return nil
	}
	rest := make([]byte, len(d.buf)-n)
	copy(rest, d.buf[n:])
	return rest
}
