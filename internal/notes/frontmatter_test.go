package notes

import (
	"strings"
	"testing"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"pgregory.net/rapid"
)

// =============================================================================
// Generators
// =============================================================================

func drawTimestamp(t *rapid.T, label string) time.Time {
	ms := rapid.Int64Range(946684800000, 4102444800000).Draw(t, label) // 2000..2100 UTC
	return time.UnixMilli(ms).UTC()
}

func noteGenerator() *rapid.Generator[Note] {
	return rapid.Custom(func(t *rapid.T) Note {
		created := drawTimestamp(t, "created")
		numLines := rapid.IntRange(0, 12).Draw(t, "numLines")
		lines := make([]string, numLines)
		for i := range lines {
			lines[i] = rapid.SampledFrom([]string{
				"",
				"---",
				"id: spoofed",
				rapid.StringMatching(`[A-Za-z0-9 .,:#*_\-!?]{0,60}`).Draw(t, "line"),
				rapid.String().Draw(t, "unicode"),
			}).Draw(t, "kind")
		}
		return Note{
			ID:        NewID(created),
			Text:      strings.Join(lines, "\n"),
			CreatedAt: created,
			UpdatedAt: created.Add(time.Duration(rapid.Int64Range(0, 1<<40).Draw(t, "age")) * time.Millisecond),
		}
	})
}

// =============================================================================
// Property: format/parse round trip is lossless for the body
// =============================================================================

func testFormatParse_Roundtrip(t *rapid.T) {
	n := noteGenerator().Draw(t, "note")

	formatted := FormatNote(n)
	parsed, err := ParseNote(formatted)
	if err != nil {
		t.Fatalf("ParseNote(FormatNote(n)) failed: %v\n%s", err, formatted)
	}
	if parsed.Text != n.Text {
		t.Fatalf("body mismatch:\nwant %q\ngot  %q", n.Text, parsed.Text)
	}
	if parsed.ID != n.ID {
		t.Fatalf("id mismatch: want %q got %q", n.ID, parsed.ID)
	}
	if !parsed.UpdatedAt.Equal(n.UpdatedAt) || !parsed.CreatedAt.Equal(n.CreatedAt) {
		t.Fatalf("timestamps mismatch: want %v/%v got %v/%v", n.CreatedAt, n.UpdatedAt, parsed.CreatedAt, parsed.UpdatedAt)
	}
	if again := FormatNote(parsed); again != formatted {
		t.Fatalf("format(parse(format(n))) != format(n):\n%q\n%q", again, formatted)
	}
}

func TestFormatParse_Roundtrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testFormatParse_Roundtrip)
}

func FuzzFormatParse_Roundtrip(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testFormatParse_Roundtrip))
}

// =============================================================================
// Fixed cases
// =============================================================================

func TestFormatNote_Layout(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 15, 10, 30, 45, 123000000, time.UTC)
	got := FormatNote(Note{ID: "20240115103045-a1b2c3d4", Text: "hello\nworld", CreatedAt: ts, UpdatedAt: ts.Add(time.Second)})
	want := "---\n" +
		"id: 20240115103045-a1b2c3d4\n" +
		"created: 2024-01-15T10:30:45.123Z\n" +
		"updated: 2024-01-15T10:30:46.123Z\n" +
		"---\n\n" +
		"hello\nworld"
	if got != want {
		t.Fatalf("FormatNote layout mismatch:\n%q\n%q", got, want)
	}
}

func TestParseNote_AcceptsForeignHeaders(t *testing.T) {
	t.Parallel()
	content := "---\nid: abc\ncreated: 2024-01-15T10:30:45Z\nupdated: 2024-01-15T10:31:00+09:00\ntags: [x]\n---\nbody line\n---\nstill body"
	n, err := ParseNote(content)
	if err != nil {
		t.Fatalf("ParseNote failed: %v", err)
	}
	if n.ID != "abc" {
		t.Fatalf("id = %q", n.ID)
	}
	if n.Text != "body line\n---\nstill body" {
		t.Fatalf("body = %q", n.Text)
	}
	if want := time.Date(2024, 1, 15, 1, 31, 0, 0, time.UTC); !n.UpdatedAt.Equal(want) {
		t.Fatalf("updated = %v want %v", n.UpdatedAt, want)
	}
}

func TestParseNote_EmptyBody(t *testing.T) {
	t.Parallel()
	n, err := ParseNote("---\nid: x\nupdated: 2024-01-15T10:30:45.000Z\n---")
	if err != nil {
		t.Fatalf("ParseNote failed: %v", err)
	}
	if n.Text != "" {
		t.Fatalf("expected empty body, got %q", n.Text)
	}
	if !n.CreatedAt.Equal(n.UpdatedAt) {
		t.Fatal("created should default to updated")
	}
}

func TestParseNote_Malformed(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"no frontmatter":    "just text",
		"unterminated":      "---\nid: x\nupdated: 2024-01-15T10:30:45.000Z\nbody",
		"missing id":        "---\nupdated: 2024-01-15T10:30:45.000Z\n---\nbody",
		"missing updated":   "---\nid: x\n---\nbody",
		"bad timestamp":     "---\nid: x\nupdated: yesterday\n---\nbody",
		"bad yaml":          "---\nid: [unclosed\n---\nbody",
		"empty header":      "---\n---\nbody",
		"leading blank line": "\n---\nid: x\nupdated: 2024-01-15T10:30:45.000Z\n---\nbody",
	}
	for name, content := range cases {
		_, err := ParseNote(content)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if errs.CodeOf(err) != errs.Malformed {
			t.Errorf("%s: code = %q, want %q", name, errs.CodeOf(err), errs.Malformed)
		}
	}
}
