package media

import "bytes"

// Audio pump shape: mono 16 kHz signed 16-bit PCM, handed to the speech
// executor in chunks of at least TargetChunkMS.
const (
	PCMSampleRate = 16000
	PCMBytesPerMS = PCMSampleRate * 2 / 1000
	TargetChunkMS = 500
)

// pcmChunker accumulates PCM bytes for one track and releases the whole
// buffer once at least targetMS worth is queued.
type pcmChunker struct {
	buf      bytes.Buffer
	targetMS int
}

func newPCMChunker(targetMS int) *pcmChunker {
	return &pcmChunker{targetMS: targetMS}
}

func (c *pcmChunker) BufferedMS() int {
	return c.buf.Len() / PCMBytesPerMS
}

// Push appends pcm and returns the drained buffer when the threshold is
// reached.
func (c *pcmChunker) Push(pcm []byte) ([]byte, bool) {
	c.buf.Write(pcm)
	if c.BufferedMS() < c.targetMS {
		return nil, false
	}
	chunk := make([]byte, c.buf.Len())
	copy(chunk, c.buf.Bytes())
	c.buf.Reset()
	return chunk, true
}

// Flush drains whatever remains, if anything.
func (c *pcmChunker) Flush() ([]byte, bool) {
	if c.buf.Len() == 0 {
		return nil, false
	}
	chunk := make([]byte, c.buf.Len())
	copy(chunk, c.buf.Bytes())
	c.buf.Reset()
	return chunk, true
}
