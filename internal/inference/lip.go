package inference

import (
	"fmt"
	"math"
	"strings"
)

// Lip pipeline shape.
const (
	SequenceLen = 75
	BeamWidth   = 25
	MouthWidth  = 125
	MouthHeight = 50
)

// Vocabulary decoded by the lip-reading model. The CTC blank class sits one
// past the last character.
const Vocabulary = "abcdefghijklmnopqrstuvwxyz'?!123456789 "

// LipPipeline accumulates standardized mouth crops and decodes a text
// prediction once a full sequence is buffered. It is not safe for
// concurrent use; the video executor runs it from a single worker.
type LipPipeline struct {
	detector Detector
	model    Model
	frames   [][]float32
}

func NewLipPipeline(detector Detector, model Model) *LipPipeline {
	return &LipPipeline{
		detector: detector,
		model:    model,
		frames:   make([][]float32, 0, SequenceLen),
	}
}

// LipRead pushes one video frame through the pipeline. It returns empty
// text until a full sequence has been buffered and decoded.
func (p *LipPipeline) LipRead(frame Frame) (string, error) {
	crop, ok := p.detector.CropMouth(frame)
	if !ok {
		return "", nil
	}
	if crop.Width != MouthWidth || crop.Height != MouthHeight {
		return "", fmt.Errorf("detector returned %dx%d crop, want %dx%d",
			crop.Width, crop.Height, MouthWidth, MouthHeight)
	}

	p.frames = append(p.frames, standardize(grayscale(crop)))
	if len(p.frames) < SequenceLen {
		return "", nil
	}

	sequence := p.frames
	p.frames = make([][]float32, 0, SequenceLen)

	probs, err := p.model.Predict(sequence)
	if err != nil {
		return "", fmt.Errorf("lip model predict: %w", err)
	}
	return decodeLabels(CTCBeamSearch(probs, BeamWidth)), nil
}

// Reset drops any partially buffered sequence.
func (p *LipPipeline) Reset() {
	p.frames = p.frames[:0]
}

// grayscale converts a BGR crop to Rec.601 luma values.
func grayscale(frame Frame) []float32 {
	pixels := make([]float32, frame.Width*frame.Height)
	for i := range pixels {
		b := float32(frame.BGR[i*3])
		g := float32(frame.BGR[i*3+1])
		r := float32(frame.BGR[i*3+2])
		pixels[i] = 0.114*b + 0.587*g + 0.299*r
	}
	return pixels
}

// standardize shifts pixels to zero mean and unit variance. The standard
// deviation is floored at 1/sqrt(N) so a flat frame does not divide by
// zero.
func standardize(pixels []float32) []float32 {
	n := float64(len(pixels))
	var sum float64
	for _, v := range pixels {
		sum += float64(v)
	}
	mean := sum / n

	var variance float64
	for _, v := range pixels {
		d := float64(v) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / n)
	if floor := 1 / math.Sqrt(n); std < floor {
		std = floor
	}

	out := make([]float32, len(pixels))
	for i, v := range pixels {
		out[i] = float32((float64(v) - mean) / std)
	}
	return out
}

func decodeLabels(labels []int) string {
	var sb strings.Builder
	for _, label := range labels {
		if label >= 0 && label < len(Vocabulary) {
			sb.WriteByte(Vocabulary[label])
		}
	}
	return strings.TrimSpace(sb.String())
}
