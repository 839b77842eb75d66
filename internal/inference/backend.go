// Package inference adapts external object-detection services to one
// prediction model. Backends differ in transport (hosted HTTP API,
// local subprocess) but share a single result shape, and the Gateway
// wrapper guarantees the pipeline a result for every frame no matter
// how the backend fails.
package inference

import "context"

// Prediction is one detected object instance. Coordinates are the box
// center in source pixels, as reported by the backends.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Origin     string  `json:"origin"`
}

// Result is the normalized output of one backend for one frame.
// ImageWidth/ImageHeight are zero when the backend did not report frame
// dimensions.
type Result struct {
	Predictions []Prediction
	ImageWidth  int
	ImageHeight int
}

// Options are forwarded to the backend per request.
type Options struct {
	Confidence float64 // Minimum confidence threshold
	Overlap    float64 // IOU/NMS threshold (used by the HTTP backend)
}

// Backend performs detection on one encoded frame. Implementations may
// return an error; the Gateway converts every failure into an empty
// Result so one bad frame never halts the pipeline.
type Backend interface {
	Name() string
	Detect(ctx context.Context, frame []byte, opts Options) (Result, error)
}

// sanitize enforces the prediction invariants at the adapter boundary:
// confidence is clamped to [0,1] and boxes with negative dimensions are
// rejected. Origin is stamped with the backend name.
func sanitize(preds []Prediction, origin string) []Prediction {
	out := preds[:0]
	for _, p := range preds {
		if p.Width < 0 || p.Height < 0 {
			continue
		}
		if p.Confidence < 0 {
			p.Confidence = 0
		} else if p.Confidence > 1 {
			p.Confidence = 1
		}
		p.Origin = origin
		out = append(out, p)
	}
	return out
}
