package transcript

import (
	"strings"
	"time"

	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
)

// Outcome describes what a fragment did to the transcript.
type Outcome string

const (
	OutcomeDiscarded Outcome = "discarded"
	OutcomeUpdated   Outcome = "updated"
	OutcomeOpened    Outcome = "opened"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFinalized Outcome = "finalized"
	OutcomeAppended  Outcome = "appended"
)

// Changed reports whether the transcript was modified.
func (o Outcome) Changed() bool {
	switch o {
	case OutcomeUpdated, OutcomeOpened, OutcomeFinalized, OutcomeAppended:
		return true
	default:
		return false
	}
}

const (
	DefaultRecencyWindow   = 2 * time.Second
	DefaultDuplicateWindow = 3
)

// Config tunes fragment coalescing.
type Config struct {
	// RecencyWindow bounds how long a pending utterance keeps absorbing partials.
	RecencyWindow time.Duration
	// DuplicateWindow is how many trailing final user messages are checked for repeats.
	DuplicateWindow int
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler merges streaming speech fragments into a stable message log.
// It holds no transcript state; callers serialise access per session.
type Reconciler struct {
	cfg Config
	now func() time.Time
}

// NewReconciler applies defaults for zero config values.
func NewReconciler(cfg Config, opts ...Option) *Reconciler {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = DefaultRecencyWindow
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}

	r := &Reconciler{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// ApplyFragment folds a user speech fragment into transcript and returns the
// resulting transcript. The input slice is not modified.
func (r *Reconciler) ApplyFragment(transcript []chat.Message, fragment chat.PartialFragment) ([]chat.Message, Outcome) {
	if fragment.Speaker == chat.SpeakerAssistant {
		return r.ApplyAssistant(transcript, fragment.Text)
	}

	text := strings.TrimSpace(fragment.Text)
	if text == "" {
		return transcript, OutcomeDiscarded
	}

	out := clone(transcript)
	now := r.now()
	if fragment.IsFinal {
		return r.applyFinal(out, text, now)
	}
	return r.applyPartial(out, text, now)
}

func (r *Reconciler) applyPartial(out []chat.Message, text string, now time.Time) ([]chat.Message, Outcome) {
	if idx := pendingIndex(out); idx >= 0 {
		if !r.recent(out[idx], now) {
			return out, OutcomeIgnored
		}
		out[idx].Text = text
		out[idx].UpdatedAt = now
		return out, OutcomeUpdated
	}

	// 刚提交的用户消息仍在窗口内，迟到的 partial 视为回声。
	if idx := lastUserIndex(out); idx >= 0 && r.recent(out[idx], now) {
		return out, OutcomeIgnored
	}

	return append(out, chat.NewMessage(chat.SpeakerUser, text, false, now)), OutcomeOpened
}

func (r *Reconciler) applyFinal(out []chat.Message, text string, now time.Time) ([]chat.Message, Outcome) {
	if n := len(out); n > 0 {
		last := out[n-1]
		if last.Speaker == chat.SpeakerUser && last.Final && sameText(last.Text, text) {
			return out, OutcomeDuplicate
		}
	}

	pending := pendingIndex(out)
	if r.seenRecently(out, text) {
		if pending >= 0 {
			out = append(out[:pending], out[pending+1:]...)
		}
		return out, OutcomeDuplicate
	}

	if pending >= 0 {
		out[pending].Text = text
		out[pending].Final = true
		out[pending].UpdatedAt = now
		return out, OutcomeFinalized
	}

	return append(out, chat.NewMessage(chat.SpeakerUser, text, true, now)), OutcomeAppended
}

// ApplyAssistant folds a progressively refined assistant utterance into transcript.
func (r *Reconciler) ApplyAssistant(transcript []chat.Message, text string) ([]chat.Message, Outcome) {
	text = strings.TrimSpace(text)
	if text == "" {
		return transcript, OutcomeDiscarded
	}

	out := clone(transcript)
	now := r.now()
	if n := len(out); n > 0 {
		last := &out[n-1]
		if last.Speaker == chat.SpeakerAssistant && !last.Final && strings.Contains(text, last.Text) {
			if last.Text == text {
				return out, OutcomeDuplicate
			}
			last.Text = text
			last.UpdatedAt = now
			return out, OutcomeUpdated
		}
	}

	return append(out, chat.NewMessage(chat.SpeakerAssistant, text, false, now)), OutcomeAppended
}

func (r *Reconciler) recent(msg chat.Message, now time.Time) bool {
	return now.Sub(msg.UpdatedAt) <= r.cfg.RecencyWindow
}

// seenRecently checks the last DuplicateWindow final user messages.
func (r *Reconciler) seenRecently(transcript []chat.Message, text string) bool {
	checked := 0
	for i := len(transcript) - 1; i >= 0 && checked < r.cfg.DuplicateWindow; i-- {
		msg := transcript[i]
		if msg.Speaker != chat.SpeakerUser || !msg.Final {
			continue
		}
		if sameText(msg.Text, text) {
			return true
		}
		checked++
	}
	return false
}

// pendingIndex returns the trailing non-final user message, or -1.
func pendingIndex(transcript []chat.Message) int {
	n := len(transcript)
	if n == 0 {
		return -1
	}
	if last := transcript[n-1]; last.Speaker == chat.SpeakerUser && !last.Final {
		return n - 1
	}
	return -1
}

func lastUserIndex(transcript []chat.Message) int {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Speaker == chat.SpeakerUser {
			return i
		}
	}
	return -1
}

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func clone(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in), len(in)+1)
	copy(out, in)
	return out
}
