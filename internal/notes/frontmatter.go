package notes

import (
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"gopkg.in/yaml.v3"
)

const (
	frontmatterDelimiter = "---"
	// TimestampLayout matches the ISO-8601 form the mobile clients write.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

type frontmatter struct {
	ID      string `yaml:"id"`
	Created string `yaml:"created"`
	Updated string `yaml:"updated"`
}

// FormatNote renders a note in the per-note wire format:
//
//	---
//	id: <id>
//	created: <timestamp>
//	updated: <timestamp>
//	---
//
//	<body>
func FormatNote(n Note) string {
	var b strings.Builder
	b.Grow(len(n.Text) + 96)
	b.WriteString(frontmatterDelimiter + "\n")
	b.WriteString("id: " + n.ID + "\n")
	b.WriteString("created: " + formatTimestamp(n.CreatedAt) + "\n")
	b.WriteString("updated: " + formatTimestamp(n.UpdatedAt) + "\n")
	b.WriteString(frontmatterDelimiter + "\n\n")
	b.WriteString(n.Text)
	return b.String()
}

// ParseNote splits content on the first and second delimiter lines and
// decodes the header. The single blank line FormatNote puts after the
// header is not part of the body.
func ParseNote(content string) (Note, error) {
	header, body, err := splitFrontmatter(content)
	if err != nil {
		return Note{}, err
	}

	var meta frontmatter
	if strings.TrimSpace(header) != "" {
		if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
			return Note{}, errs.Wrap(errs.Malformed, "invalid frontmatter header", err)
		}
	}
	meta.ID = strings.TrimSpace(meta.ID)
	if meta.ID == "" {
		return Note{}, errs.New(errs.Malformed, "frontmatter is missing id")
	}

	updated, err := parseTimestamp(meta.Updated)
	if err != nil {
		return Note{}, errs.Wrap(errs.Malformed, fmt.Sprintf("note %s: invalid updated timestamp", meta.ID), err)
	}
	created := updated
	if strings.TrimSpace(meta.Created) != "" {
		created, err = parseTimestamp(meta.Created)
		if err != nil {
			return Note{}, errs.Wrap(errs.Malformed, fmt.Sprintf("note %s: invalid created timestamp", meta.ID), err)
		}
	}

	return Note{
		ID:        meta.ID,
		Text:      strings.TrimPrefix(body, "\n"),
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func splitFrontmatter(content string) (header, body string, err error) {
	open := frontmatterDelimiter + "\n"
	rest, ok := strings.CutPrefix(content, open)
	if !ok {
		return "", "", errs.New(errs.Malformed, "content does not start with a frontmatter delimiter")
	}
	if after, ok := strings.CutPrefix(rest, open); ok {
		return "", after, nil
	}

	closing := "\n" + frontmatterDelimiter + "\n"
	if idx := strings.Index(rest, closing); idx >= 0 {
		return rest[:idx], rest[idx+len(closing):], nil
	}
	if trimmed, ok := strings.CutSuffix(rest, "\n"+frontmatterDelimiter); ok {
		return trimmed, "", nil
	}
	return "", "", errs.New(errs.Malformed, "frontmatter is not terminated")
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(TimestampLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return Truncate(t), nil
}
