package types

import "time"

// Source identifies which capture pipeline produced a frame.
type Source string

const (
	SourceWebcam Source = "webcam"
	SourceVideo  Source = "video"
)

// Frame represents one complete JPEG image demuxed from a capture stream.
// Frames are immutable after demuxing: the demuxer hands out a private
// copy and no downstream component writes to Data.
type Frame struct {
	Data      []byte    // Complete JPEG (SOI through EOI)
	Number    uint64    // Sequential frame number, starts at 1 per session
	Source    Source    // Which session produced the frame
	Timestamp time.Time // Demux timestamp
}
