package transcript_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
	"github.com/zhouzirui/lead-relay/backend/internal/service/transcript"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newReconciler() (*transcript.Reconciler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return transcript.NewReconciler(transcript.Config{}, transcript.WithClock(clock.Now)), clock
}

func partial(text string) chat.PartialFragment {
	return chat.PartialFragment{Speaker: chat.SpeakerUser, Text: text}
}

func final(text string) chat.PartialFragment {
	return chat.PartialFragment{Speaker: chat.SpeakerUser, Text: text, IsFinal: true}
}

func TestPartialsCoalesceWithinWindow(t *testing.T) {
	r, clock := newReconciler()

	log, outcome := r.ApplyFragment(nil, partial("hel"))
	assert.Equal(t, transcript.OutcomeOpened, outcome)

	clock.Advance(500 * time.Millisecond)
	log, outcome = r.ApplyFragment(log, partial("hello"))
	assert.Equal(t, transcript.OutcomeUpdated, outcome)

	require.Len(t, log, 1)
	assert.Equal(t, "hello", log[0].Text)
	assert.Equal(t, chat.SpeakerUser, log[0].Speaker)
	assert.False(t, log[0].Final)
	assert.Equal(t, clock.Now(), log[0].UpdatedAt)
}

func TestPartialRefreshExtendsWindow(t *testing.T) {
	r, clock := newReconciler()

	log, _ := r.ApplyFragment(nil, partial("i want"))
	clock.Advance(1500 * time.Millisecond)
	log, _ = r.ApplyFragment(log, partial("i want a"))
	clock.Advance(1500 * time.Millisecond)
	log, outcome := r.ApplyFragment(log, partial("i want a condo"))

	assert.Equal(t, transcript.OutcomeUpdated, outcome)
	require.Len(t, log, 1)
	assert.Equal(t, "i want a condo", log[0].Text)
}

func TestStalePendingIgnoresPartial(t *testing.T) {
	r, clock := newReconciler()

	log, _ := r.ApplyFragment(nil, partial("hel"))
	clock.Advance(3 * time.Second)
	log, outcome := r.ApplyFragment(log, partial("hello"))

	assert.Equal(t, transcript.OutcomeIgnored, outcome)
	assert.Equal(t, "hel", log[0].Text)
}

func TestLatePartialAfterFinalIsIgnored(t *testing.T) {
	r, clock := newReconciler()

	log, _ := r.ApplyFragment(nil, final("hello"))
	clock.Advance(100 * time.Millisecond)
	log, outcome := r.ApplyFragment(log, partial("hell"))

	assert.Equal(t, transcript.OutcomeIgnored, outcome)
	require.Len(t, log, 1)
	assert.Equal(t, "hello", log[0].Text)
	assert.True(t, log[0].Final)
}

func TestPartialAfterWindowOpensNewMessage(t *testing.T) {
	r, clock := newReconciler()

	log, _ := r.ApplyFragment(nil, final("hello"))
	clock.Advance(5 * time.Second)
	log, outcome := r.ApplyFragment(log, partial("show me"))

	assert.Equal(t, transcript.OutcomeOpened, outcome)
	require.Len(t, log, 2)
	assert.Equal(t, "hello", log[0].Text)
	assert.Equal(t, "show me", log[1].Text)
}

func TestFinalDuplicateDropped(t *testing.T) {
	r, clock := newReconciler()

	log, outcome := r.ApplyFragment(nil, final("hello"))
	assert.Equal(t, transcript.OutcomeAppended, outcome)

	clock.Advance(10 * time.Millisecond)
	log, outcome = r.ApplyFragment(log, final("hello"))

	assert.Equal(t, transcript.OutcomeDuplicate, outcome)
	assert.Len(t, log, 1)
}

func TestFinalFinalizesPending(t *testing.T) {
	r, clock := newReconciler()

	log, _ := r.ApplyFragment(nil, partial("show me condos"))
	clock.Advance(300 * time.Millisecond)
	log, outcome := r.ApplyFragment(log, final("show me condos downtown"))

	assert.Equal(t, transcript.OutcomeFinalized, outcome)
	require.Len(t, log, 1)
	assert.Equal(t, "show me condos downtown", log[0].Text)
	assert.True(t, log[0].Final)
}

func TestNearDuplicateDropsPending(t *testing.T) {
	r, clock := newReconciler()

	log, _ := r.ApplyFragment(nil, final("yes"))
	log, _ = r.ApplyAssistant(log, "Would you like a tour?")
	clock.Advance(5 * time.Second)
	log, _ = r.ApplyFragment(log, partial("ye"))
	require.Len(t, log, 3)

	log, outcome := r.ApplyFragment(log, final("yes"))

	assert.Equal(t, transcript.OutcomeDuplicate, outcome)
	require.Len(t, log, 2)
	assert.Equal(t, chat.SpeakerAssistant, log[1].Speaker)
}

func TestDuplicateWindowIsBounded(t *testing.T) {
	r, clock := newReconciler()

	var log []chat.Message
	for _, text := range []string{"one", "two", "three", "four"} {
		log, _ = r.ApplyFragment(log, final(text))
		clock.Advance(5 * time.Second)
	}

	log, outcome := r.ApplyFragment(log, final("one"))
	assert.Equal(t, transcript.OutcomeAppended, outcome)
	assert.Len(t, log, 5)

	_, outcome = r.ApplyFragment(log, final("three"))
	assert.Equal(t, transcript.OutcomeDuplicate, outcome)
}

func TestEmptyFragmentDiscarded(t *testing.T) {
	r, _ := newReconciler()

	log, outcome := r.ApplyFragment(nil, partial("   "))
	assert.Equal(t, transcript.OutcomeDiscarded, outcome)
	assert.Empty(t, log)

	_, outcome = r.ApplyAssistant(nil, "")
	assert.Equal(t, transcript.OutcomeDiscarded, outcome)
}

func TestAssistantRefinement(t *testing.T) {
	r, _ := newReconciler()

	log, outcome := r.ApplyAssistant(nil, "Sure")
	assert.Equal(t, transcript.OutcomeAppended, outcome)

	log, outcome = r.ApplyAssistant(log, "Sure, I can help")
	assert.Equal(t, transcript.OutcomeUpdated, outcome)
	require.Len(t, log, 1)
	assert.Equal(t, "Sure, I can help", log[0].Text)

	log, outcome = r.ApplyAssistant(log, "Something different")
	assert.Equal(t, transcript.OutcomeAppended, outcome)
	assert.Len(t, log, 2)
}

func TestAssistantNeverRewritesFinal(t *testing.T) {
	r, _ := newReconciler()
	log := []chat.Message{chat.NewMessage(chat.SpeakerAssistant, "Hello", true, time.Now())}

	log, outcome := r.ApplyAssistant(log, "Hello there")

	assert.Equal(t, transcript.OutcomeAppended, outcome)
	require.Len(t, log, 2)
	assert.Equal(t, "Hello", log[0].Text)
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	r, _ := newReconciler()

	log, _ := r.ApplyFragment(nil, partial("hel"))
	before := log[0].Text
	_, _ = r.ApplyFragment(log, partial("hello"))

	assert.Equal(t, before, log[0].Text)
}

func TestOutcomeChanged(t *testing.T) {
	assert.True(t, transcript.OutcomeAppended.Changed())
	assert.True(t, transcript.OutcomeUpdated.Changed())
	assert.False(t, transcript.OutcomeDuplicate.Changed())
	assert.False(t, transcript.OutcomeIgnored.Changed())
}
