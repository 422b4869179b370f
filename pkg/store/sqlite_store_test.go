package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestStore(t *testing.T) (*SQLiteStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s, err := OpenFile(filepath.Join(t.TempDir(), "db", "sessions.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	session, err := s.CreateSession(ctx, "Demo", map[string]interface{}{"model": "echo"})
	require.NoError(t, err)
	assert.NotZero(t, session.ID)

	got, ok, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Demo", got.Title)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))
	assert.Equal(t, "echo", got.Metadata["model"])

	untitled, err := s.CreateSession(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Conversation 2024-03-01 10:00", untitled.Title)
	assert.NotEqual(t, session.ID, untitled.ID)

	_, ok, err = s.GetSession(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_AddMessageUpdatesSessionTimestamp(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	session, err := s.CreateSession(ctx, "Demo", nil)
	require.NoError(t, err)

	var last time.Time
	for i, role := range []conversation.Role{conversation.RoleUser, conversation.RoleAssistant, conversation.RoleUser} {
		clock.Advance(time.Duration(i+1) * time.Second)
		m, err := s.AddMessage(ctx, session.ID, role, "content", nil)
		require.NoError(t, err)

		got, ok, err := s.GetSession(ctx, session.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.UpdatedAt.Equal(m.Timestamp))
		assert.False(t, got.UpdatedAt.Before(last))
		last = got.UpdatedAt
	}

	// a clock going backwards never moves updated_at backwards
	clock.Set(clock.Now().Add(-time.Hour))
	m, err := s.AddMessage(ctx, session.ID, conversation.RoleAssistant, "late", nil)
	require.NoError(t, err)
	assert.True(t, m.Timestamp.Equal(last))
	got, _, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(last))
}

func TestSQLiteStore_AddMessageErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.AddMessage(ctx, 42, conversation.RoleUser, "hi", nil)
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	session, err := s.CreateSession(ctx, "x", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.ID, conversation.Role("tool"), "hi", nil)
	assert.True(t, errors.Is(err, ErrInvalidRole))

	n, err := s.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteStore_GetMessagesOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	session, err := s.CreateSession(ctx, "Demo", nil)
	require.NoError(t, err)
	for _, c := range []string{"one", "two", "three", "four"} {
		_, err := s.AddMessage(ctx, session.ID, conversation.RoleUser, c,
			map[string]interface{}{conversation.MetadataInterrupted: c == "two"})
		require.NoError(t, err)
	}

	// identical timestamps fall back to insertion order
	all, err := s.GetMessages(ctx, session.ID, Page{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"one", "two", "three", "four"},
		[]string{all[0].Content, all[1].Content, all[2].Content, all[3].Content})
	assert.Equal(t, true, all[1].Metadata[conversation.MetadataInterrupted])
	assert.True(t, all[1].ToConversationMessage().IsInterrupted())

	page, err := s.GetMessages(ctx, session.ID, Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "two", page[0].Content)
	assert.Equal(t, "three", page[1].Content)
}

func TestSQLiteStore_ListSessionsOrderedByActivity(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	a, err := s.CreateSession(ctx, "A", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	b, err := s.CreateSession(ctx, "B", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.AddMessage(ctx, a.ID, conversation.RoleUser, "bump", nil)
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, a.ID, sessions[0].ID)
	assert.Equal(t, 1, sessions[0].MessageCount)
	assert.Equal(t, b.ID, sessions[1].ID)
	assert.Equal(t, 0, sessions[1].MessageCount)

	sessions, err = s.ListSessions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, b.ID, sessions[0].ID)
}

func TestSQLiteStore_UpdateSession(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	session, err := s.CreateSession(ctx, "Old", nil)
	require.NoError(t, err)

	changed, err := s.UpdateSession(ctx, session.ID, SessionUpdate{})
	require.NoError(t, err)
	assert.False(t, changed)

	clock.Advance(time.Hour)
	changed, err = s.UpdateSession(ctx, session.ID, SessionUpdate{
		Title:    helpers.Pointer("New"),
		Metadata: map[string]interface{}{"pinned": true},
	})
	require.NoError(t, err)
	assert.True(t, changed)

	got, _, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", got.Title)
	assert.Equal(t, true, got.Metadata["pinned"])
	assert.True(t, got.UpdatedAt.Equal(session.UpdatedAt))

	_, err = s.UpdateSession(ctx, 9999, SessionUpdate{Title: helpers.Pointer("x")})
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSQLiteStore_TouchSession(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	session, err := s.CreateSession(ctx, "x", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	require.NoError(t, s.TouchSession(ctx, session.ID))

	got, _, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))

	assert.True(t, errors.Is(s.TouchSession(ctx, 9999), ErrSessionNotFound))
}

func TestSQLiteStore_DeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	keep, err := s.CreateSession(ctx, "keep", nil)
	require.NoError(t, err)
	doomed, err := s.CreateSession(ctx, "doomed", nil)
	require.NoError(t, err)

	var ids []int64
	for _, c := range []string{"a", "b", "c"} {
		m, err := s.AddMessage(ctx, doomed.ID, conversation.RoleUser, c, nil)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err = s.AddMessage(ctx, keep.ID, conversation.RoleUser, "stay", nil)
	require.NoError(t, err)

	deleted, err := s.DeleteSession(ctx, doomed.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	msgs, err := s.GetMessages(ctx, doomed.ID, Page{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	for _, id := range ids {
		ok, err := s.DeleteMessage(ctx, id)
		assert.True(t, errors.Is(err, ErrMessageNotFound))
		assert.False(t, ok)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 1, stats.Messages)

	deleted, err = s.DeleteSession(ctx, doomed.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSQLiteStore_SearchSessionsMatchesContent(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	untitled, err := s.CreateSession(ctx, "Untitled", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, untitled.ID, conversation.RoleUser, "Tell me a Story about cats", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, untitled.ID, conversation.RoleAssistant, "Once upon a time, a story", nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	titled, err := s.CreateSession(ctx, "story time", nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "unrelated", nil)
	require.NoError(t, err)

	results, err := s.SearchSessions(ctx, "story", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, titled.ID, results[0].ID)
	assert.Equal(t, untitled.ID, results[1].ID)
	assert.Equal(t, 2, results[1].MessageCount)

	results, err = s.SearchSessions(ctx, "100%", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.SearchSessions(ctx, "story", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSQLiteStore_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	session, err := s.CreateSession(ctx, "x", nil)
	require.NoError(t, err)
	first, err := s.AddMessage(ctx, session.ID, conversation.RoleUser, "a", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleAssistant, "b", nil)
	require.NoError(t, err)

	ok, err := s.DeleteMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	msgs, err := s.GetMessages(ctx, session.ID, Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].Content)

	ok, err = s.DeleteMessage(ctx, first.ID)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrMessageNotFound))
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "message", nf.Resource)
	assert.Equal(t, first.ID, nf.ID)
}

func TestSQLiteStore_ClearMessages(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	session, err := s.CreateSession(ctx, "x", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleUser, "a", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleAssistant, "b", nil)
	require.NoError(t, err)

	n, err := s.ClearMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.ClearMessages(ctx, 9999)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := OpenFile(path)
	require.NoError(t, err)
	session, err := s.CreateSession(ctx, "Demo", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleUser, "Hello", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.CreateSession(ctx, "closed", nil)
	assert.True(t, errors.Is(err, ErrStoreClosed))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	msgs, err := reopened.GetMessages(ctx, session.ID, Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	ctx := context.Background()
	dsn, err := SQLiteDSNForFile(":memory:")
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	session, err := s.CreateSession(ctx, "mem", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleUser, "hi", nil)
	require.NoError(t, err)
	n, err := s.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteDSNForFile(t *testing.T) {
	_, err := SQLiteDSNForFile("")
	require.Error(t, err)

	dsn, err := SQLiteDSNForFile("/tmp/x.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "_foreign_keys=on")
}
