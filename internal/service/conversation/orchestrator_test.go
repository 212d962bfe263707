package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
	"github.com/zhouzirui/lead-relay/backend/internal/service/transcript"
)

type fakeRelay struct {
	mu        sync.Mutex
	calls     int
	reply     relaymodel.Reply
	err       error
	configErr error
	stream    *fakeStream
	delay     time.Duration
	// silent makes Send succeed without any reply text.
	silent bool
}

func (f *fakeRelay) CheckConfigured(relay.Input) error { return f.configErr }

func (f *fakeRelay) Send(ctx context.Context, _ string, in relay.Input) (relaymodel.Reply, error) {
	f.mu.Lock()
	f.calls++
	reply, err, delay, silent := f.reply, f.err, f.delay, f.silent
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return relaymodel.Reply{}, ctx.Err()
		}
	}
	if err != nil {
		return relaymodel.Reply{}, err
	}
	if reply.Text == "" && !silent {
		reply.Text = "echo: " + in.Text
	}
	return reply, nil
}

func (f *fakeRelay) OpenVoice(context.Context, string) (relay.VoiceStream, error) {
	if f.configErr != nil {
		return nil, f.configErr
	}
	return f.stream, nil
}

func (f *fakeRelay) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	messages chan relay.VoiceMessage
	done     chan struct{}
	once     sync.Once
	err      error

	mu    sync.Mutex
	audio [][]byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		messages: make(chan relay.VoiceMessage, 8),
		done:     make(chan struct{}),
	}
}

func (s *fakeStream) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, data)
	return nil
}

func (s *fakeStream) SendText(data []byte) error { return s.SendAudio(data) }

func (s *fakeStream) Messages() <-chan relay.VoiceMessage { return s.messages }

func (s *fakeStream) Err() error { return s.err }

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.messages)
		close(s.done)
	})
	return nil
}

// drop simulates the vendor connection failing.
func (s *fakeStream) drop(err error) {
	s.err = err
	_ = s.Close()
}

func newOrchestrator(t *testing.T, r *fakeRelay) (*Orchestrator, *session.Store) {
	t.Helper()
	store := session.NewStore(10, nil)
	reconciler := transcript.NewReconciler(transcript.Config{})
	return New(r, store, reconciler, nil, zaptest.NewLogger(t)), store
}

func TestTurnAppendsBothSides(t *testing.T) {
	r := &fakeRelay{reply: relaymodel.Reply{
		Vendor:   relay.VendorVoiceflow,
		Text:     "Which neighbourhood?",
		Metadata: relaymodel.Metadata{Source: relaymodel.SourceVoiceflow},
	}}
	o, _ := newOrchestrator(t, r)

	res, err := o.Turn(context.Background(), "s1", "  I love this house  ", ModeChat)
	require.NoError(t, err)

	assert.Equal(t, "Which neighbourhood?", res.Reply)
	assert.False(t, res.Fallback)
	assert.Equal(t, "property_search", res.Metadata.Intent)
	assert.Equal(t, "positive", res.Metadata.Sentiment)
	require.Len(t, res.Transcript, 2)
	assert.Equal(t, chat.SpeakerUser, res.Transcript[0].Speaker)
	assert.Equal(t, "I love this house", res.Transcript[0].Text)
	assert.True(t, res.Transcript[0].Final)
	assert.Equal(t, chat.SpeakerAssistant, res.Transcript[1].Speaker)
	assert.True(t, res.Transcript[1].Final)
}

func TestTurnFallsBackOnVendorError(t *testing.T) {
	r := &fakeRelay{err: &relay.VendorError{Vendor: relay.VendorVoiceflow, Status: 503}}
	o, _ := newOrchestrator(t, r)

	res, err := o.Turn(context.Background(), "s1", "hi", ModeChat)
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, greetingReply, res.Reply)
	assert.Equal(t, relaymodel.SourceFallback, res.Metadata.Source)
	assert.True(t, res.Metadata.LowConfidence)
	assert.InDelta(t, fallbackConfidence, res.Metadata.Confidence, 1e-9)
	assert.Len(t, res.Transcript, 2)
}

func TestTurnRejectsEmptyInput(t *testing.T) {
	r := &fakeRelay{}
	o, store := newOrchestrator(t, r)

	_, err := o.Turn(context.Background(), "s1", "   ", ModeChat)

	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, r.callCount())
	assert.Equal(t, 0, store.Len())
}

func TestTurnConfigurationErrorLeavesStoreUntouched(t *testing.T) {
	r := &fakeRelay{configErr: &relay.ConfigurationError{Vendor: relay.VendorVoiceflow, Missing: []string{"VOICEFLOW_API_KEY"}}}
	o, store := newOrchestrator(t, r)

	_, err := o.Turn(context.Background(), "s1", "hello", ModeChat)

	assert.True(t, relay.IsConfigurationError(err))
	assert.Equal(t, 0, r.callCount())
	assert.Equal(t, 0, store.Len())
}

func TestTurnVoiceDuplicateSkipsVendor(t *testing.T) {
	r := &fakeRelay{}
	o, _ := newOrchestrator(t, r)
	ctx := context.Background()

	_, err := o.Turn(ctx, "s1", "hello", ModeVoice)
	require.NoError(t, err)

	res, err := o.Turn(ctx, "s1", "hello", ModeVoice)
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, r.callCount())
	assert.Len(t, res.Transcript, 2)
}

func TestTurnCancelledContext(t *testing.T) {
	r := &fakeRelay{delay: time.Second}
	o, _ := newOrchestrator(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Turn(ctx, "s1", "hello", ModeChat)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTurnsPerSessionKeepOrder(t *testing.T) {
	r := &fakeRelay{}
	o, store := newOrchestrator(t, r)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Turn(ctx, "s1", fmt.Sprintf("message %d", i), ModeChat)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	log := store.Get(ctx, "s1")
	require.Len(t, log, 40)
	for i := 0; i < len(log); i += 2 {
		assert.Equal(t, chat.SpeakerUser, log[i].Speaker)
		assert.Equal(t, "echo: "+log[i].Text, log[i+1].Text)
		assert.False(t, log[i+1].CreatedAt.Before(log[i].CreatedAt))
	}
}

func TestTurnEmptyVendorReplyFallsBack(t *testing.T) {
	o, store := newOrchestrator(t, &fakeRelay{silent: true})

	res, err := o.Turn(context.Background(), "s1", "can I schedule a tour?", ModeChat)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, relaymodel.SourceFallback, res.Metadata.Source)
	assert.NotEmpty(t, res.Reply)

	log := store.Get(context.Background(), "s1")
	require.Len(t, log, 2)
	assert.Equal(t, chat.SpeakerAssistant, log[1].Speaker)
	assert.Equal(t, res.Reply, log[1].Text)
}

func TestTurnRejectsUnknownMode(t *testing.T) {
	r := &fakeRelay{}
	o, store := newOrchestrator(t, r)

	_, err := o.Turn(context.Background(), "s1", "hello", Mode("fax"))
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Zero(t, r.callCount())
	assert.Zero(t, store.Len())
}

// gatedRelay holds Send for one session until release is closed.
type gatedRelay struct {
	fakeRelay
	blocked string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRelay) Send(ctx context.Context, sessionID string, in relay.Input) (relaymodel.Reply, error) {
	if sessionID == g.blocked {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return relaymodel.Reply{}, ctx.Err()
		}
	}
	return g.fakeRelay.Send(ctx, sessionID, in)
}

func TestSlowVendorDoesNotBlockOtherSessions(t *testing.T) {
	r := &gatedRelay{blocked: "session-a", entered: make(chan struct{}), release: make(chan struct{})}
	store := session.NewStore(10, nil)
	o := New(r, store, transcript.NewReconciler(transcript.Config{}), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := o.Turn(ctx, "session-a", "hello", ModeChat)
		slow <- err
	}()
	<-r.entered

	others := make(chan struct{})
	go func() {
		defer close(others)
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("session-%d", i)
			_, err := o.Turn(ctx, id, "hi", ModeChat)
			assert.NoError(t, err)
			o.ClearHistory(ctx, id)
		}
	}()

	select {
	case <-others:
	case <-time.After(2 * time.Second):
		t.Fatal("turns for other sessions waited on a slow vendor call")
	}

	close(r.release)
	require.NoError(t, <-slow)
	assert.Len(t, store.Get(ctx, "session-a"), 2)
	assert.Zero(t, o.locks.held())
}

func TestHistoryAndClear(t *testing.T) {
	o, _ := newOrchestrator(t, &fakeRelay{})
	ctx := context.Background()

	_, err := o.Turn(ctx, "s1", "hello", ModeChat)
	require.NoError(t, err)
	assert.Len(t, o.History(ctx, "s1"), 2)

	assert.True(t, o.ClearHistory(ctx, "s1"))
	assert.False(t, o.ClearHistory(ctx, "s1"))
	assert.Empty(t, o.History(ctx, "s1"))
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeChat, mode)

	mode, err = ParseMode("Voice")
	require.NoError(t, err)
	assert.Equal(t, ModeVoice, mode)

	_, err = ParseMode("fax")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestFallbackReplies(t *testing.T) {
	cases := map[string]string{
		"hello there":                greetingReply,
		"looking for a house":        intentReplies["property_search"],
		"what's the cost?":           intentReplies["price_inquiry"],
		"can we visit tomorrow":      intentReplies["schedule_tour"],
		"put me through to an agent": intentReplies["contact_agent"],
		"thoughts on the market?":    defaultReply,
	}
	for input, want := range cases {
		assert.Equal(t, want, fallbackReply(input), input)
	}
}

func nextEvent(t *testing.T, vs *VoiceSession) relaymodel.VoiceEvent {
	t.Helper()
	select {
	case ev, ok := <-vs.Events():
		require.True(t, ok, "events closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for voice event")
		return relaymodel.VoiceEvent{}
	}
}

func TestVoiceSessionReconcilesTranscript(t *testing.T) {
	defer goleak.VerifyNone(t)

	stream := newFakeStream()
	o, store := newOrchestrator(t, &fakeRelay{stream: stream})
	ctx := context.Background()

	vs, err := o.OpenVoice(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, relaymodel.EventConnected, nextEvent(t, vs).Type)

	stream.messages <- relay.VoiceMessage{Kind: relay.KindTranscript, Role: "user", Content: "hel"}
	stream.messages <- relay.VoiceMessage{Kind: relay.KindTranscript, Role: "user", Content: "hello"}
	stream.messages <- relay.VoiceMessage{Kind: relay.KindTranscript, Role: "user", Content: "hello", Final: true}
	stream.messages <- relay.VoiceMessage{
		Kind:         relay.KindConversationUpdate,
		Conversation: []relay.ConversationTurn{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "Hi"}},
	}
	stream.messages <- relay.VoiceMessage{
		Kind:         relay.KindConversationUpdate,
		Conversation: []relay.ConversationTurn{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "Hi, how can I help?"}},
		Raw:          json.RawMessage(`{"type":"conversation-update"}`),
	}

	for i := 0; i < 4; i++ {
		assert.Equal(t, relaymodel.EventResponse, nextEvent(t, vs).Type)
	}
	last := nextEvent(t, vs)
	assert.Equal(t, "Hi, how can I help?", last.Text)
	assert.JSONEq(t, `{"type":"conversation-update"}`, string(last.Raw))

	log := store.Get(ctx, "s1")
	require.Len(t, log, 2)
	assert.Equal(t, "hello", log[0].Text)
	assert.True(t, log[0].Final)
	assert.Equal(t, "Hi, how can I help?", log[1].Text)
	assert.Equal(t, chat.SpeakerAssistant, log[1].Speaker)

	require.NoError(t, vs.Close())
	_, open := <-vs.Events()
	assert.False(t, open)
}

func TestVoiceSessionStopsOnEnded(t *testing.T) {
	defer goleak.VerifyNone(t)

	stream := newFakeStream()
	o, _ := newOrchestrator(t, &fakeRelay{stream: stream})

	vs, err := o.OpenVoice(context.Background(), "s1")
	require.NoError(t, err)
	nextEvent(t, vs)

	stream.messages <- relay.VoiceMessage{Kind: relay.KindStatusUpdate, Status: relay.StatusEnded, EndedReason: "silence-timed-out"}

	ev := nextEvent(t, vs)
	assert.Equal(t, "ended", ev.Metadata["status"])
	assert.Equal(t, "silence-timed-out", ev.Metadata["endedReason"])

	select {
	case <-vs.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("voice session did not stop")
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("vendor stream left open")
	}
	require.NoError(t, vs.Close())
}

func TestVoiceSessionTransportError(t *testing.T) {
	defer goleak.VerifyNone(t)

	stream := newFakeStream()
	o, _ := newOrchestrator(t, &fakeRelay{stream: stream})

	vs, err := o.OpenVoice(context.Background(), "s1")
	require.NoError(t, err)
	nextEvent(t, vs)

	stream.drop(&relay.TransportError{Vendor: relay.VendorVapi, Err: errors.New("connection reset")})

	ev := nextEvent(t, vs)
	assert.Equal(t, relaymodel.EventError, ev.Type)
	assert.Contains(t, ev.Error, "connection reset")
	require.NoError(t, vs.Close())
}

func TestOpenVoiceNotConfigured(t *testing.T) {
	o, _ := newOrchestrator(t, &fakeRelay{configErr: &relay.ConfigurationError{Vendor: relay.VendorVapi}})

	_, err := o.OpenVoice(context.Background(), "s1")
	assert.True(t, relay.IsConfigurationError(err))
}
