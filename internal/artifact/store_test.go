package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoreSave(t *testing.T) {
	dir := t.TempDir()
	st := &localStore{baseDir: dir}

	loc, err := st.Save(context.Background(), "attempt-1/challenge.jpg", []byte("png-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"a/b.png":        "a/b.png",
		"/a/b.png":       "a/b.png",
		"../../etc/pass": "etc/pass",
		"a/./b":          "a/b",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocalStoreRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	st := &localStore{baseDir: dir}
	loc, err := st.Save(context.Background(), "../outside.txt", []byte("x"), "text/plain")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	rel, err := filepath.Rel(dir, loc)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		t.Fatalf("artifact escaped base dir: %s", loc)
	}
}
