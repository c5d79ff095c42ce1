package textio

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateOpen_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"plain.asm", "nested/packed.asm.zst"} {
		path := filepath.Join(dir, name)
		w, err := Create(path)
		if err != nil {
			t.Fatalf("%s: Create: %v", name, err)
		}
		if _, err := io.WriteString(w, "FRAME 1 all\nTREMOR\n"); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s: Close: %v", name, err)
		}
		r, err := Open(path)
		if err != nil {
			t.Fatalf("%s: Open: %v", name, err)
		}
		b, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatalf("%s: read: %v", name, err)
		}
		if string(b) != "FRAME 1 all\nTREMOR\n" {
			t.Fatalf("%s: got %q", name, b)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "nested/packed.asm.zst"))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if string(raw) == "FRAME 1 all\nTREMOR\n" {
		t.Fatalf(".zst output was not compressed")
	}
}

type rec struct {
	ID   int    `json:"id"`
	Note string `json:"note"`
}

func TestJournal_RotatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal[rec](dir, "sessions", time.Hour)
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := j.Append(rec{ID: i, Note: "a"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	now = now.Add(time.Hour)
	if err := j.Append(rec{ID: 3, Note: "b"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening the first period appends a second zstd frame.
	now = now.Add(-time.Hour)
	if err := j.Append(rec{ID: 4, Note: "c"}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	first, err := ReadJournal[rec](j.Path(now))
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(first) != 4 || first[0].ID != 0 || first[3].ID != 4 {
		t.Fatalf("first period: %+v", first)
	}
	second, err := ReadJournal[rec](j.Path(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(second) != 1 || second[0].Note != "b" {
		t.Fatalf("second period: %+v", second)
	}
	if j.Lines() != 5 {
		t.Fatalf("Lines = %d", j.Lines())
	}
}
