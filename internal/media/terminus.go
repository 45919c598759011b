package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/lipcall/lipcall/internal/inference"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/pkg/commons"
)

const (
	// OpusSampleRate is the RTP clock rate the client negotiates for audio.
	OpusSampleRate = 48000
	OpusChannels   = 2

	callIDPollInterval = 100 * time.Millisecond
	disconnectedGrace  = 5 * time.Second
)

// ErrClosed is returned for operations on a terminated terminus.
var ErrClosed = errors.New("media: terminus closed")

// Prediction is one transcription result headed back to the remote peer.
type Prediction struct {
	From   string
	Text   string
	Final  bool
	Source string
}

// Config wires one Terminus to its call, storage and executors.
type Config struct {
	UserID string
	PeerID string

	Pending *registry.PendingCall
	Calls   repository.Calls
	Logger  commons.Logger

	VideoExecutor *inference.VideoExecutor
	AudioExecutor *inference.AudioExecutor
	NewRecognizer inference.RecognizerFactory
	NewDecoder    func() (inference.FrameDecoder, error)

	// ModelPreference is sampled per incoming track.
	ModelPreference func() string
	// Relay pushes a prediction to the remote peer's socket.
	Relay func(prediction Prediction)
	// OnTerminate runs once after teardown, for registry cleanup.
	OnTerminate func()
}

// Terminus is the server-side media leg of one user's call. It receives the
// user's live tracks, feeds the inference executors and relays predictions
// to the peer. It implements registry.ServerEndpoint.
type Terminus struct {
	cfg    Config
	logger commons.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pc         *pionwebrtc.PeerConnection
	closed     bool
	graceTimer *time.Timer

	trackWg sync.WaitGroup
}

// NewTerminus builds the peer connection and registers track and state
// handlers. The negotiation itself happens in HandleOffer.
func NewTerminus(cfg Config) (*Terminus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Terminus{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := t.createPeerConnection(); err != nil {
		cancel()
		return nil, err
	}
	return t, nil
}

func (t *Terminus) createPeerConnection() error {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: OpusSampleRate,
			Channels:  OpusChannels,
		},
		PayloadType: 111,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register Opus codec: %w", err)
	}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, pionwebrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("failed to register VP8 codec: %w", err)
	}

	registryI := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registryI); err != nil {
		return fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registryI),
	)
	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		t.trackWg.Add(1)
		go t.handleTrack(track)
	})

	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()
	return nil
}

// HandleOffer applies the client's cleaned offer and returns the server's
// answer with ICE candidates already gathered.
func (t *Terminus) HandleOffer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return protocol.SessionDescription{}, ErrClosed
	}

	err := pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer,
		SDP:  StripRTX(offer.SDP),
	})
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := pionwebrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return protocol.SessionDescription{}, ctx.Err()
	case <-t.ctx.Done():
		return protocol.SessionDescription{}, ErrClosed
	}

	local := pc.LocalDescription()
	return protocol.SessionDescription{SDP: local.SDP, Type: local.Type.String()}, nil
}

// SetRemoteAnswer applies the client's answer during a renegotiation the
// server initiated.
func (t *Terminus) SetRemoteAnswer(_ context.Context, answer protocol.SessionDescription) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return ErrClosed
	}
	err := pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  StripRTX(answer.SDP),
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddRemoteCandidate adds one trickled ICE candidate from the client.
func (t *Terminus) AddRemoteCandidate(candidate protocol.IceCandidate) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return ErrClosed
	}
	err := pc.AddICECandidate(pionwebrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *Terminus) handleConnectionState(state pionwebrtc.PeerConnectionState) {
	t.logger.Infow("media connection state changed",
		"state", state, "user", t.cfg.UserID, "peer", t.cfg.PeerID)

	switch state {
	case pionwebrtc.PeerConnectionStateConnected:
		t.cancelGrace()

	case pionwebrtc.PeerConnectionStateFailed, pionwebrtc.PeerConnectionStateClosed:
		t.Terminate()

	case pionwebrtc.PeerConnectionStateDisconnected:
		// Transient state, ICE may recover. Give it a grace period before
		// tearing the call down.
		t.mu.Lock()
		if !t.closed && t.graceTimer == nil {
			t.graceTimer = time.AfterFunc(disconnectedGrace, func() {
				t.logger.Warnw("media connection did not recover, terminating",
					"user", t.cfg.UserID, "peer", t.cfg.PeerID)
				t.Terminate()
			})
		}
		t.mu.Unlock()
	}
}

func (t *Terminus) cancelGrace() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
}

// waitCallID blocks until the call has a persisted id, so every transcript
// line is attributable to a Call row.
func (t *Terminus) waitCallID() (string, error) {
	for {
		if id, ok := t.cfg.Pending.CallID(); ok {
			return id, nil
		}
		select {
		case <-time.After(callIDPollInterval):
		case <-t.ctx.Done():
			return "", ErrClosed
		}
	}
}

func (t *Terminus) handleTrack(track *pionwebrtc.TrackRemote) {
	defer t.trackWg.Done()

	callID, err := t.waitCallID()
	if err != nil {
		return
	}

	kind := track.Kind()
	preference := t.cfg.ModelPreference()
	t.logger.Infow("remote track received",
		"kind", kind, "codec", track.Codec().MimeType,
		"model", preference, "call_id", callID)

	switch {
	case kind == pionwebrtc.RTPCodecTypeVideo && preference == protocol.ModelLip:
		t.runVideoPump(track, callID)
	case kind == pionwebrtc.RTPCodecTypeAudio && preference == protocol.ModelVosk:
		t.runAudioPump(track, callID)
	default:
		// Track does not match the selected model, drain nothing.
	}
}

// Terminate finalizes the call once, closes the peer connection and runs
// registry cleanup. Safe to call repeatedly from any goroutine.
func (t *Terminus) Terminate() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pc := t.pc
	t.pc = nil
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.mu.Unlock()

	t.cancel()
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.logger.Debugw("peer connection close", "error", err)
		}
	}
	t.trackWg.Wait()

	if callID, won := t.cfg.Pending.Finalize(); won && callID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.cfg.Calls.Finish(ctx, callID, time.Now().UTC()); err != nil {
			t.logger.Errorw("failed to finalize call", "call_id", callID, "error", err)
		}
	}
	if t.cfg.OnTerminate != nil {
		t.cfg.OnTerminate()
	}
}

// Close implements registry.ServerEndpoint.
func (t *Terminus) Close() error {
	t.Terminate()
	return nil
}
