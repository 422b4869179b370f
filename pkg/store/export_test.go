package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDemo(t *testing.T, s *SQLiteStore, clock *fakeClock) *Session {
	t.Helper()
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "Demo", map[string]interface{}{"engine": "echo"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleUser, "Hello", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.AddMessage(ctx, session.ID, conversation.RoleAssistant, "Hi there!",
		map[string]interface{}{conversation.MetadataInterrupted: true})
	require.NoError(t, err)
	return session
}

func TestExportSessionJSON_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	session := seedDemo(t, s, clock)

	doc, ok, err := ExportSessionJSON(ctx, s, session.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Demo", doc.Session.Title)
	require.Len(t, doc.Messages, 2)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	imported, err := ImportSessionJSON(ctx, s, data)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, imported.ID)
	assert.Equal(t, "Demo", imported.Title)
	assert.True(t, imported.CreatedAt.Equal(doc.Session.CreatedAt))

	original, err := s.GetMessages(ctx, session.ID, Page{})
	require.NoError(t, err)
	copied, err := s.GetMessages(ctx, imported.ID, Page{})
	require.NoError(t, err)
	require.Len(t, copied, len(original))
	for i := range original {
		assert.Equal(t, original[i].Role, copied[i].Role)
		assert.Equal(t, original[i].Content, copied[i].Content)
		assert.True(t, original[i].Timestamp.Equal(copied[i].Timestamp))
	}
	assert.True(t, copied[1].ToConversationMessage().IsInterrupted())

	got, _, err := s.GetSession(ctx, imported.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(copied[1].Timestamp))
	assert.Equal(t, "echo", got.Metadata["engine"])
}

func TestExportSession_NotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	doc, ok, err := ExportSessionJSON(ctx, s, 404)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, doc)

	md, ok, err := ExportSessionMarkdown(ctx, s, 404)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, md)

	_, ok, err = ExportSessionHTML(ctx, s, 404)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportSessionMarkdown(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	session := seedDemo(t, s, clock)

	md, ok, err := ExportSessionMarkdown(ctx, s, session.ID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, strings.HasPrefix(md, "# Demo\n\n"))
	assert.Contains(t, md, "**Messages:** 2\n")
	assert.Contains(t, md, "---\n")
	assert.Contains(t, md, "### User (")
	assert.Contains(t, md, "### Assistant (")
	assert.Less(t, strings.Index(md, "Hello"), strings.Index(md, "Hi there!"))
}

func TestExportSessionHTML(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	session := seedDemo(t, s, clock)

	html, ok, err := ExportSessionHTML(ctx, s, session.ID)
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	assert.Equal(t, "Demo", doc.Find("h1").Text())
	headings := doc.Find("h3")
	require.Equal(t, 2, headings.Length())
	assert.True(t, strings.HasPrefix(headings.First().Text(), "User"))
	assert.Equal(t, 1, doc.Find("hr").Length())
}

func TestImportSessionJSON_RejectsInvalidDocuments(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := ImportSessionJSON(ctx, s, []byte(`{"messages": []}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidImport))

	_, err = ImportSessionJSON(ctx, s, []byte(`not json`))
	assert.True(t, errors.Is(err, ErrInvalidImport))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Sessions)
}

func TestExportSchema(t *testing.T) {
	schema := ExportSchema()
	b, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"exported_at"`)
	assert.Contains(t, string(b), `"messages"`)
}
