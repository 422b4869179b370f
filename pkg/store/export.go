package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"github.com/yuin/goldmark"
)

// ExportDocument is the structured export of one session.
type ExportDocument struct {
	Session    Session    `json:"session"`
	Messages   []*Message `json:"messages"`
	ExportedAt time.Time  `json:"exported_at"`
}

// Importer creates a session from previously exported data.
type Importer interface {
	ImportSession(ctx context.Context, session Session, messages []*Message) (*Session, error)
}

func loadSession(ctx context.Context, s Store, id int64) (*Session, []*Message, bool, error) {
	session, ok, err := s.GetSession(ctx, id)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	messages, err := s.GetMessages(ctx, id, Page{})
	if err != nil {
		return nil, nil, false, err
	}
	return session, messages, true, nil
}

// ExportSessionJSON returns (nil, false, nil) for an unknown session.
func ExportSessionJSON(ctx context.Context, s Store, id int64) (*ExportDocument, bool, error) {
	session, messages, ok, err := loadSession(ctx, s, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return &ExportDocument{
		Session:    *session,
		Messages:   messages,
		ExportedAt: time.Now(),
	}, true, nil
}

const markdownTimeFormat = "2006-01-02 15:04:05"

// ExportSessionMarkdown renders a session as a markdown document: a heading
// with the title, creation time and message count, then one section per
// message.
func ExportSessionMarkdown(ctx context.Context, s Store, id int64) (string, bool, error) {
	session, messages, ok, err := loadSession(ctx, s, id)
	if err != nil || !ok {
		return "", false, err
	}
	return RenderMarkdown(session, messages), true, nil
}

func RenderMarkdown(session *Session, messages []*Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", session.Title)
	fmt.Fprintf(&b, "**Created:** %s\n\n", session.CreatedAt.Format(markdownTimeFormat))
	fmt.Fprintf(&b, "**Messages:** %d\n\n", len(messages))
	b.WriteString("---\n\n")

	for _, m := range messages {
		fmt.Fprintf(&b, "### %s (%s)\n\n%s\n\n",
			strcase.ToCamel(string(m.Role)),
			m.Timestamp.Format(markdownTimeFormat),
			m.Content,
		)
	}
	return b.String()
}

// ExportSessionHTML renders the markdown export as HTML.
func ExportSessionHTML(ctx context.Context, s Store, id int64) (string, bool, error) {
	md, ok, err := ExportSessionMarkdown(ctx, s, id)
	if err != nil || !ok {
		return "", false, err
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", false, errors.Wrap(err, "render html")
	}
	return buf.String(), true, nil
}

// ExportSchema returns the JSON schema of ExportDocument.
func ExportSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(&ExportDocument{})
	// gojsonschema only understands drafts up to 7
	schema.Version = ""
	return schema
}

// ImportSessionJSON validates data against ExportSchema and creates a new
// session holding the same title, metadata and ordered messages.
func ImportSessionJSON(ctx context.Context, importer Importer, data []byte) (*Session, error) {
	schemaBytes, err := json.Marshal(ExportSchema())
	if err != nil {
		return nil, errors.Wrap(err, "marshal export schema")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, &ImportError{Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := []string{}
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &ImportError{Problems: problems}
	}

	doc := &ExportDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, &ImportError{Problems: []string{err.Error()}}
	}

	return importer.ImportSession(ctx, doc.Session, doc.Messages)
}
