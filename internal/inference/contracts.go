package inference

// Frame is a packed BGR pixel buffer, three bytes per pixel, row major.
type Frame struct {
	Width  int
	Height int
	BGR    []byte
}

// FrameDecoder turns one encoded video sample into pixels. Implementations
// wrap an external codec.
type FrameDecoder interface {
	Decode(sample []byte) (Frame, error)
	Close() error
}

// Detector locates and crops the mouth region to a fixed size. ok is false
// when no mouth was found in the frame.
type Detector interface {
	CropMouth(frame Frame) (crop Frame, ok bool)
}

// Model runs the lip-reading network over a stacked frame sequence and
// returns per-timestep class probabilities. The blank class is the last
// index of each row.
type Model interface {
	Predict(sequence [][]float32) ([][]float32, error)
}

// SpeechResult is one recognizer emission. Final results carry Text,
// intermediate ones carry Partial.
type SpeechResult struct {
	Text    string
	Partial string
	Final   bool
}

// Recognizer is a streaming speech-to-text handle. State is per track, so
// feeds for one track must stay serialized.
type Recognizer interface {
	Transcribe(pcm []byte) (SpeechResult, error)
	// FinalResult flushes whatever the recognizer still holds.
	FinalResult() (SpeechResult, error)
	Close() error
}

// RecognizerFactory builds a fresh recognizer for one audio track.
type RecognizerFactory func() (Recognizer, error)
