package relay

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
)

// ErrEmptyInput is returned when neither text nor audio is supplied.
var ErrEmptyInput = errors.New("input is empty")

// Input is a single user input: text for the flow vendor, audio for the voice vendor.
type Input struct {
	Text  string
	Audio []byte
}

// IsAudio reports whether the input carries audio.
func (in Input) IsAudio() bool {
	return len(in.Audio) > 0
}

// Empty reports whether there is nothing to relay.
func (in Input) Empty() bool {
	return !in.IsAudio() && strings.TrimSpace(in.Text) == ""
}

// TextVendor answers text turns.
type TextVendor interface {
	Configured() bool
	Interact(ctx context.Context, userID, text string) (relaymodel.Reply, error)
}

// VoiceDialer opens voice vendor streams.
type VoiceDialer interface {
	Configured() bool
	AssistantID() string
	Dial(ctx context.Context, sessionID string) (VoiceStream, error)
}

// Relay forwards user input to the right vendor. It holds no transcript state.
type Relay struct {
	text    TextVendor
	voice   VoiceDialer
	streams *StreamManager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New wires the vendors together.
func New(text TextVendor, voice VoiceDialer, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		text:    text,
		voice:   voice,
		streams: NewStreamManager(m),
		metrics: m,
		logger:  logger.Named("relay"),
	}
}

// TextConfigured reports whether text turns can be relayed.
func (r *Relay) TextConfigured() bool {
	return r.text != nil && r.text.Configured()
}

// VoiceConfigured reports whether voice streams can be opened.
func (r *Relay) VoiceConfigured() bool {
	return r.voice != nil && r.voice.Configured()
}

// AssistantID returns the voice assistant identifier.
func (r *Relay) AssistantID() string {
	if r.voice == nil {
		return ""
	}
	return r.voice.AssistantID()
}

// CheckConfigured returns a *ConfigurationError when in cannot be relayed.
func (r *Relay) CheckConfigured(in Input) error {
	if in.IsAudio() {
		if !r.VoiceConfigured() {
			return &ConfigurationError{Vendor: VendorVapi, Missing: []string{"VAPI_API_KEY"}}
		}
		return nil
	}
	if !r.TextConfigured() {
		return &ConfigurationError{Vendor: VendorVoiceflow, Missing: []string{"VOICEFLOW_API_KEY"}}
	}
	return nil
}

// Send relays one input. Audio is written to the session's voice stream,
// opening one if needed; the answer then arrives on that stream.
func (r *Relay) Send(ctx context.Context, sessionID string, in Input) (relaymodel.Reply, error) {
	if in.Empty() {
		return relaymodel.Reply{}, ErrEmptyInput
	}
	if err := r.CheckConfigured(in); err != nil {
		return relaymodel.Reply{}, err
	}

	if in.IsAudio() {
		return r.sendAudio(ctx, sessionID, in.Audio)
	}

	reply, err := r.text.Interact(ctx, sessionID, in.Text)
	r.record(VendorVoiceflow, err)
	if err != nil {
		r.logger.Warn("text relay failed", zap.String("sessionId", sessionID), zap.Error(err))
		return relaymodel.Reply{}, err
	}
	return reply, nil
}

func (r *Relay) sendAudio(ctx context.Context, sessionID string, audio []byte) (relaymodel.Reply, error) {
	stream, ok := r.streams.Get(sessionID)
	if !ok {
		var err error
		stream, err = r.OpenVoice(ctx, sessionID)
		if err != nil {
			return relaymodel.Reply{}, err
		}
	}

	err := stream.SendAudio(audio)
	r.record(VendorVapi, err)
	if err != nil {
		return relaymodel.Reply{}, err
	}
	return relaymodel.Reply{Vendor: VendorVapi, Streamed: true}, nil
}

// OpenVoice dials a fresh voice stream for the session, replacing any existing one.
func (r *Relay) OpenVoice(ctx context.Context, sessionID string) (VoiceStream, error) {
	if !r.VoiceConfigured() {
		return nil, &ConfigurationError{Vendor: VendorVapi, Missing: []string{"VAPI_API_KEY"}}
	}

	stream, err := r.voice.Dial(ctx, sessionID)
	r.record(VendorVapi, err)
	if err != nil {
		return nil, err
	}

	r.streams.Add(sessionID, stream)
	return stream, nil
}

// CloseVoice closes the session's voice stream if one is open.
func (r *Relay) CloseVoice(sessionID string) {
	r.streams.Remove(sessionID)
}

// VoiceStreams reports how many vendor voice streams are open.
func (r *Relay) VoiceStreams() int {
	return r.streams.Len()
}

// Close releases every open voice stream.
func (r *Relay) Close() {
	r.streams.CloseAll()
}

func (r *Relay) record(vendor string, err error) {
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	r.metrics.VendorRequest(vendor, outcome)
}
