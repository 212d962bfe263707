package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
	"github.com/zhouzirui/lead-relay/backend/internal/service/transcript"
)

var (
	ErrEmptyInput  = relay.ErrEmptyInput
	ErrInvalidMode = errors.New("mode must be chat or voice")

	errEmptyReply = errors.New("vendor reply has no text")
)

// Mode selects how user text enters the transcript.
type Mode string

const (
	// ModeChat appends typed text directly.
	ModeChat Mode = "chat"
	// ModeVoice treats the text as a final speech fragment and reconciles it.
	ModeVoice Mode = "voice"
)

// ParseMode defaults to chat.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeChat:
		return ModeChat, nil
	case ModeVoice:
		return ModeVoice, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Relay is the vendor surface the orchestrator needs.
type Relay interface {
	CheckConfigured(in relay.Input) error
	Send(ctx context.Context, sessionID string, in relay.Input) (relaymodel.Reply, error)
	OpenVoice(ctx context.Context, sessionID string) (relay.VoiceStream, error)
}

// Result is the outcome of one turn.
type Result struct {
	Reply      string              `json:"reply"`
	Metadata   relaymodel.Metadata `json:"metadata"`
	Transcript []chat.Message      `json:"history"`
	Fallback   bool                `json:"fallback"`
	// Duplicate is set when a voice turn repeated a recent utterance; no vendor call was made.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Orchestrator coordinates relay, store and reconciler for each turn.
type Orchestrator struct {
	relay      Relay
	store      *session.Store
	reconciler *transcript.Reconciler
	locks      sessionLocks
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an orchestrator.
func New(r Relay, store *session.Store, reconciler *transcript.Reconciler, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		relay:      r,
		store:      store,
		reconciler: reconciler,
		metrics:    m,
		logger:     logger.Named("conversation"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Turn relays one user input and records both sides of the exchange.
// Vendor failures and replies without text are answered with a local
// fallback reply, so every accepted turn ends with an assistant message.
func (o *Orchestrator) Turn(ctx context.Context, sessionID, text string, mode Mode) (*Result, error) {
	if mode != ModeChat && mode != ModeVoice {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	if sessionID == "" {
		return nil, session.ErrSessionRequired
	}

	input := relay.Input{Text: text}
	if err := o.relay.CheckConfigured(input); err != nil {
		return nil, err
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	if mode == ModeVoice {
		outcome, err := o.reconcile(ctx, sessionID, chat.PartialFragment{Speaker: chat.SpeakerUser, Text: text, IsFinal: true})
		if err != nil {
			return nil, err
		}
		if outcome == transcript.OutcomeDuplicate {
			return &Result{Duplicate: true, Transcript: o.store.Get(ctx, sessionID)}, nil
		}
	} else if err := o.store.Append(ctx, sessionID, chat.NewMessage(chat.SpeakerUser, text, true, o.now())); err != nil {
		return nil, err
	}

	result := &Result{}
	reply, err := o.relay.Send(ctx, sessionID, input)
	if err == nil && strings.TrimSpace(reply.Text) == "" {
		// 厂商没有返回文本时同样使用兜底回复
		err = errEmptyReply
	}
	switch {
	case err == nil:
		result.Reply = reply.Text
		result.Metadata = enrichMetadata(reply.Metadata, text)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case relay.IsConfigurationError(err):
		return nil, err
	default:
		o.logger.Warn("vendor unavailable, using fallback reply",
			zap.String("sessionId", sessionID),
			zap.Error(err),
		)
		o.metrics.Fallback()
		result.Reply = fallbackReply(text)
		result.Metadata = fallbackMetadata(text)
		result.Fallback = true
	}

	if err := o.store.Append(ctx, sessionID, chat.NewMessage(chat.SpeakerAssistant, result.Reply, true, o.now())); err != nil {
		return nil, err
	}

	result.Transcript = o.store.Get(ctx, sessionID)
	return result, nil
}

// History returns the session transcript.
func (o *Orchestrator) History(ctx context.Context, sessionID string) []chat.Message {
	return o.store.Get(ctx, sessionID)
}

// ClearHistory drops the session. It is idempotent.
func (o *Orchestrator) ClearHistory(ctx context.Context, sessionID string) bool {
	unlock := o.locks.lock(sessionID)
	defer unlock()
	return o.store.Clear(ctx, sessionID)
}

// reconcile applies a fragment under the caller's session lock.
func (o *Orchestrator) reconcile(ctx context.Context, sessionID string, fragment chat.PartialFragment) (transcript.Outcome, error) {
	var outcome transcript.Outcome
	_, err := o.store.Mutate(ctx, sessionID, func(current []chat.Message) []chat.Message {
		var next []chat.Message
		next, outcome = o.reconciler.ApplyFragment(current, fragment)
		return next
	})
	if err != nil {
		return "", err
	}
	o.metrics.Fragment(string(outcome))
	return outcome, nil
}

func (o *Orchestrator) reconcileAssistant(ctx context.Context, sessionID, text string) (transcript.Outcome, error) {
	var outcome transcript.Outcome
	_, err := o.store.Mutate(ctx, sessionID, func(current []chat.Message) []chat.Message {
		var next []chat.Message
		next, outcome = o.reconciler.ApplyAssistant(current, text)
		return next
	})
	if err != nil {
		return "", err
	}
	o.metrics.Fragment(string(outcome))
	return outcome, nil
}
