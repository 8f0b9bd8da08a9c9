package senders

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/netham45/screamrouter/internal/commons"
)

// WebRTCListener fans a sink's Opus-encoded stereo side-chain out to a
// single connected browser/peer via a local audio track. It is a
// ClosableListener: the sink polls IsClosed() and removes it without
// holding the listener map lock during Close.
type WebRTCListener struct {
	log commons.Logger

	pc         *pionwebrtc.PeerConnection
	localTrack *pionwebrtc.TrackLocalStaticSample

	closed atomic.Bool
}

// NewWebRTCListener constructs a listener. Setup performs the (potentially
// blocking) peer-connection/ICE bring-up, per §4.9's deferred-init contract;
// callers must invoke Setup outside of any reentrancy-sensitive window.
func NewWebRTCListener(log commons.Logger) *WebRTCListener {
	return &WebRTCListener{log: log}
}

func (l *WebRTCListener) Setup(ctx context.Context) error {
	if l.pc != nil {
		return nil
	}

	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: PayloadTypeOpus,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("webrtc listener: register codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("webrtc listener: register interceptors: %w", err)
	}

	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("webrtc listener: new peer connection: %w", err)
	}
	l.pc = pc

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		switch state {
		case pionwebrtc.PeerConnectionStateFailed,
			pionwebrtc.PeerConnectionStateClosed,
			pionwebrtc.PeerConnectionStateDisconnected:
			l.closed.Store(true)
		}
	})

	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "screamrouter",
	)
	if err != nil {
		return fmt.Errorf("webrtc listener: new local track: %w", err)
	}
	l.localTrack = track

	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("webrtc listener: add track: %w", err)
	}
	return nil
}

// PeerConnection exposes the underlying connection for signaling (SDP
// offer/answer exchange is the caller's responsibility, per §1's framing of
// transport/discovery as an external collaborator).
func (l *WebRTCListener) PeerConnection() *pionwebrtc.PeerConnection { return l.pc }

// SendPayload writes one already-Opus-encoded frame to the local track.
// Non-blocking and lossy: a write error only logs, matching the contract.
func (l *WebRTCListener) SendPayload(payload []byte, _ []uint32) error {
	if l.localTrack == nil {
		return fmt.Errorf("webrtc listener: not set up")
	}
	err := l.localTrack.WriteSample(pionwebrtc.Sample{
		Data:     payload,
		Duration: 20 * time.Millisecond,
	})
	if err != nil {
		l.log.Warnw("webrtc listener: write sample failed, dropping", "error", err)
	}
	return nil
}

// IsClosed reports whether the peer connection has transitioned to a
// terminal state asynchronously.
func (l *WebRTCListener) IsClosed() bool { return l.closed.Load() }

func (l *WebRTCListener) Close() error {
	if l.pc == nil {
		return nil
	}
	err := l.pc.Close()
	l.pc = nil
	l.closed.Store(true)
	return err
}
