package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
)

const voiceEventBuffer = 32

// VoiceSession bridges one caller to a vendor voice stream and keeps the
// session transcript in step with the vendor's transcripts.
type VoiceSession struct {
	id     string
	ctx    context.Context
	o      *Orchestrator
	stream relay.VoiceStream
	logger *zap.Logger

	events  chan relaymodel.VoiceEvent
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

// OpenVoice dials the voice vendor for sessionID and starts translating its
// messages. The first event is always "connected".
func (o *Orchestrator) OpenVoice(ctx context.Context, sessionID string) (*VoiceSession, error) {
	if sessionID == "" {
		return nil, session.ErrSessionRequired
	}

	stream, err := o.relay.OpenVoice(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	vs := &VoiceSession{
		id:      sessionID,
		ctx:     context.WithoutCancel(ctx),
		o:       o,
		stream:  stream,
		logger:  o.logger.With(zap.String("sessionId", sessionID)),
		events:  make(chan relaymodel.VoiceEvent, voiceEventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go vs.run()
	return vs, nil
}

// ID returns the session identifier.
func (vs *VoiceSession) ID() string { return vs.id }

// Events is closed once the session stops delivering.
func (vs *VoiceSession) Events() <-chan relaymodel.VoiceEvent { return vs.events }

// Done is closed after the last event has been delivered.
func (vs *VoiceSession) Done() <-chan struct{} { return vs.done }

// SendAudio forwards an audio frame unchanged.
func (vs *VoiceSession) SendAudio(data []byte) error {
	return vs.stream.SendAudio(data)
}

// SendText forwards a caller text frame unchanged.
func (vs *VoiceSession) SendText(data []byte) error {
	return vs.stream.SendText(data)
}

// Close stops delivery and closes the vendor stream. Transcript changes
// already applied are kept.
func (vs *VoiceSession) Close() error {
	var err error
	vs.once.Do(func() {
		close(vs.closing)
		err = vs.stream.Close()
	})
	<-vs.done
	return err
}

func (vs *VoiceSession) run() {
	defer close(vs.done)
	defer close(vs.events)

	if !vs.emit(relaymodel.VoiceEvent{Type: relaymodel.EventConnected, SessionID: vs.id}) {
		return
	}

	for msg := range vs.stream.Messages() {
		if !vs.handle(msg) {
			_ = vs.stream.Close()
			return
		}
	}

	if err := vs.stream.Err(); err != nil {
		vs.emit(relaymodel.VoiceEvent{Type: relaymodel.EventError, SessionID: vs.id, Error: err.Error()})
	}
}

// handle reports whether delivery should continue.
func (vs *VoiceSession) handle(msg relay.VoiceMessage) bool {
	event := relaymodel.VoiceEvent{
		Type:      relaymodel.EventResponse,
		SessionID: vs.id,
		Raw:       msg.Raw,
	}

	switch msg.Kind {
	case relay.KindTranscript:
		if msg.Role == string(chat.SpeakerUser) {
			vs.reconcileUser(msg)
		}
		event.Text = msg.Content
		event.Metadata = map[string]any{"kind": string(msg.Kind), "role": msg.Role, "final": msg.Final}
	case relay.KindConversationUpdate:
		text, ok := msg.LastAssistant()
		if ok {
			vs.reconcileAssistant(text)
		}
		event.Text = text
		event.Metadata = map[string]any{"kind": string(msg.Kind)}
	case relay.KindStatusUpdate:
		event.Metadata = map[string]any{"kind": string(msg.Kind), "status": msg.Status}
		if msg.EndedReason != "" {
			event.Metadata["endedReason"] = msg.EndedReason
		}
		if msg.Ended() {
			vs.logger.Info("vendor ended call", zap.String("reason", msg.EndedReason))
			vs.emit(event)
			return false
		}
	case relay.KindError:
		event.Type = relaymodel.EventError
		event.Error = msg.Error
	case relay.KindAudio:
		event.Audio = msg.Audio
	default:
		event.Text = msg.Content
		event.Metadata = msg.Metadata
	}

	return vs.emit(event)
}

func (vs *VoiceSession) reconcileUser(msg relay.VoiceMessage) {
	unlock := vs.o.locks.lock(vs.id)
	defer unlock()

	fragment := chat.PartialFragment{Speaker: chat.SpeakerUser, Text: msg.Content, IsFinal: msg.Final}
	outcome, err := vs.o.reconcile(vs.ctx, vs.id, fragment)
	if err != nil {
		vs.logger.Warn("reconcile transcript failed", zap.Error(err))
		return
	}
	vs.logger.Debug("transcript fragment", zap.Bool("final", msg.Final), zap.String("outcome", string(outcome)))
}

func (vs *VoiceSession) reconcileAssistant(text string) {
	unlock := vs.o.locks.lock(vs.id)
	defer unlock()

	if _, err := vs.o.reconcileAssistant(vs.ctx, vs.id, text); err != nil {
		vs.logger.Warn("reconcile assistant failed", zap.Error(err))
	}
}

func (vs *VoiceSession) emit(event relaymodel.VoiceEvent) bool {
	select {
	case vs.events <- event:
		return true
	case <-vs.closing:
		return false
	}
}
