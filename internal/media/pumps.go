package media

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"gopkg.in/hraban/opus.v2"

	"github.com/lipcall/lipcall/internal/entity"
	"github.com/lipcall/lipcall/internal/inference"
)

const (
	rtpBufferSize        = 1500
	maxConsecutiveErrors = 50
	sampleBuilderMaxLate = 64

	// Opus frames cap at 120 ms, 1920 samples at 16 kHz mono.
	maxOpusFrameSamples = 1920
)

// readTrack drives one RTP read loop, handing each packet to handle.
func (t *Terminus) readTrack(track *pionwebrtc.TrackRemote, handle func(*rtp.Packet)) {
	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				t.logger.Errorw("too many consecutive track read errors, stopping pump",
					"kind", track.Kind(), "lastError", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("failed to unmarshal RTP packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		handle(pkt)
	}
}

func (t *Terminus) runVideoPump(track *pionwebrtc.TrackRemote, callID string) {
	decoder, err := t.cfg.NewDecoder()
	if err != nil {
		t.logger.Errorw("failed to create video frame decoder", "error", err)
		return
	}
	defer decoder.Close()

	builder := samplebuilder.New(sampleBuilderMaxLate, &codecs.VP8Packet{}, track.Codec().ClockRate)
	t.readTrack(track, func(pkt *rtp.Packet) {
		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			t.handleVideoSample(decoder, sample.Data, callID)
		}
	})
}

func (t *Terminus) handleVideoSample(decoder inference.FrameDecoder, sample []byte, callID string) {
	frame, err := decoder.Decode(sample)
	if err != nil {
		t.logger.Debugw("video frame decode failed", "error", err)
		return
	}
	text, err := t.cfg.VideoExecutor.LipRead(t.ctx, frame)
	if err != nil {
		t.logger.Debugw("lip read failed, dropping frame", "error", err)
		return
	}
	if text == "" {
		return
	}
	t.appendTranscript(callID, text, entity.SourceLip)
	t.relayPrediction(text, true, entity.SourceLip)
}

func (t *Terminus) runAudioPump(track *pionwebrtc.TrackRemote, callID string) {
	recognizer, err := t.cfg.NewRecognizer()
	if err != nil {
		t.logger.Errorw("failed to create speech recognizer", "error", err)
		return
	}
	defer recognizer.Close()

	// Decoding straight to mono 16 kHz: an Opus decoder resamples
	// internally, so the 48 kHz track needs no separate resampler hop.
	decoder, err := opus.NewDecoder(PCMSampleRate, 1)
	if err != nil {
		t.logger.Errorw("failed to create opus decoder", "error", err)
		return
	}

	chunker := newPCMChunker(TargetChunkMS)
	pcm := make([]int16, maxOpusFrameSamples)

	t.readTrack(track, func(pkt *rtp.Packet) {
		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			t.logger.Debugw("opus decode failed", "error", err, "payloadSize", len(pkt.Payload))
			return
		}
		if chunk, ok := chunker.Push(pcmToBytes(pcm[:n])); ok {
			t.transcribeChunk(recognizer, chunk, callID)
		}
	})

	// Track ended: feed the tail and flush the recognizer's last result.
	if chunk, ok := chunker.Flush(); ok {
		t.transcribeChunk(recognizer, chunk, callID)
	}
	t.finalizeRecognizer(recognizer, callID)
}

func (t *Terminus) transcribeChunk(recognizer inference.Recognizer, chunk []byte, callID string) {
	result, err := t.cfg.AudioExecutor.Transcribe(t.ctx, recognizer, chunk)
	if err != nil {
		t.logger.Debugw("speech transcription failed, dropping chunk", "error", err)
		return
	}
	t.handleSpeechResult(result, callID)
}

func (t *Terminus) finalizeRecognizer(recognizer inference.Recognizer, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := t.cfg.AudioExecutor.Finalize(ctx, recognizer)
	if err != nil {
		t.logger.Debugw("recognizer finalize failed", "error", err)
		return
	}
	t.handleSpeechResult(result, callID)
}

func (t *Terminus) handleSpeechResult(result inference.SpeechResult, callID string) {
	if result.Final {
		if result.Text == "" {
			return
		}
		t.appendTranscript(callID, result.Text, entity.SourceVosk)
		t.relayPrediction(result.Text, true, entity.SourceVosk)
		return
	}
	if result.Partial != "" {
		t.relayPrediction(result.Partial, false, entity.SourceVosk)
	}
}

func (t *Terminus) appendTranscript(callID, text, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.cfg.Calls.AppendLine(ctx, &entity.TranscriptLine{
		CallID:    callID,
		T:         time.Now().UTC(),
		SpeakerID: t.cfg.UserID,
		Text:      text,
		Source:    source,
	})
	if err != nil {
		t.logger.Errorw("failed to append transcript line",
			"call_id", callID, "source", source, "error", err)
	}
}

func (t *Terminus) relayPrediction(text string, final bool, source string) {
	if t.cfg.Relay == nil {
		return
	}
	t.cfg.Relay(Prediction{
		From:   t.cfg.UserID,
		Text:   text,
		Final:  final,
		Source: source,
	})
}

func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
