package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
)

func userMsg(text string) chat.Message {
	return chat.NewMessage(chat.SpeakerUser, text, true, time.Time{})
}

func TestStoreAppendAndGet(t *testing.T) {
	store := session.NewStore(10, nil)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", userMsg("hi")))
	require.NoError(t, store.Append(ctx, "s1", chat.NewMessage(chat.SpeakerAssistant, "hello", true, time.Time{})))

	got := store.Get(ctx, "s1")
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, chat.SpeakerAssistant, got[1].Speaker)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.False(t, got[1].CreatedAt.Before(got[0].CreatedAt))
}

func TestStoreGetUnknownIsEmpty(t *testing.T) {
	store := session.NewStore(10, nil)

	got := store.Get(context.Background(), "missing")
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err := store.Session(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStoreRejectsEmptySessionID(t *testing.T) {
	store := session.NewStore(10, nil)

	err := store.Append(context.Background(), "", userMsg("hi"))
	assert.ErrorIs(t, err, session.ErrSessionRequired)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := session.NewStore(10, nil)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", userMsg("hi")))

	got := store.Get(ctx, "s1")
	got[0].Text = "tampered"

	assert.Equal(t, "hi", store.Get(ctx, "s1")[0].Text)
}

func TestStoreClampsCreatedAt(t *testing.T) {
	store := session.NewStore(10, nil)
	ctx := context.Background()
	later := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, "s1", chat.NewMessage(chat.SpeakerUser, "first", true, later)))
	require.NoError(t, store.Append(ctx, "s1", chat.NewMessage(chat.SpeakerUser, "second", true, later.Add(-time.Minute))))

	got := store.Get(ctx, "s1")
	assert.Equal(t, later, got[1].CreatedAt)
}

func TestStoreClearIsIdempotent(t *testing.T) {
	store := session.NewStore(10, nil)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", userMsg("hi")))

	assert.True(t, store.Clear(ctx, "s1"))
	assert.False(t, store.Clear(ctx, "s1"))
	assert.Empty(t, store.Get(ctx, "s1"))
	assert.Equal(t, 0, store.Len())
}

func TestStoreEvictsOldestCreated(t *testing.T) {
	store := session.NewStore(3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, fmt.Sprintf("s%d", i), userMsg("hi")))
	}
	// Touching s0 does not protect it: eviction is by creation order.
	require.NoError(t, store.Append(ctx, "s0", userMsg("again")))
	require.NoError(t, store.Append(ctx, "s3", userMsg("hi")))

	assert.Equal(t, 3, store.Len())
	assert.Empty(t, store.Get(ctx, "s0"))
	assert.Equal(t, []string{"s1", "s2", "s3"}, store.Sessions())
}

func TestStoreDefaultCapacity(t *testing.T) {
	store := session.NewStore(0, nil)
	ctx := context.Background()

	for i := 0; i <= session.DefaultCapacity; i++ {
		require.NoError(t, store.Append(ctx, fmt.Sprintf("s%d", i), userMsg("hi")))
	}

	assert.Equal(t, session.DefaultCapacity, store.Len())
	assert.Empty(t, store.Get(ctx, "s0"))
	assert.Len(t, store.Get(ctx, "s1"), 1)
}

func TestStoreMutateCreatesOnlyWhenNonEmpty(t *testing.T) {
	store := session.NewStore(10, nil)
	ctx := context.Background()

	got, err := store.Mutate(ctx, "s1", func(in []chat.Message) []chat.Message { return in })
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, store.Len())

	got, err = store.Mutate(ctx, "s1", func(in []chat.Message) []chat.Message {
		return append(in, chat.NewMessage(chat.SpeakerUser, "hel", false, time.Now()))
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, 1, store.Len())
}

func TestStoreConcurrentAccessStaysBounded(t *testing.T) {
	store := session.NewStore(5, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%10)
			_ = store.Append(ctx, id, userMsg("hi"))
			_ = store.Get(ctx, id)
			assert.LessOrEqual(t, store.Len(), 5)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, store.Len())
}
