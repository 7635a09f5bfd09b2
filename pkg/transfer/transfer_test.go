package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestStatRejectsDirectory(t *testing.T) {
	if _, err := Stat(t.TempDir()); err == nil {
		t.Fatal("expected an error stat'ing a directory")
	}
}

func TestStatReturnsSize(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	size, err := Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
}

func TestGetFileStreamsExactBytes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	content := bytes.Repeat([]byte("abcdefgh"), 4096) // 32 KiB
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		done <- GetFile(src, int64(len(content)), w)
		w.Close()
	}()

	got := make([]byte, 0, len(content))
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %d bytes, want %d bytes matching source", len(got), len(content))
	}
}

func TestSetFileWithFullPrefixNoSplice(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")
	blob := []byte("the entire blob was already buffered")

	// src is a dummy pipe never read from, since the whole blob is in prefix.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	res, err := SetFile(dst, len(blob), blob, r)
	if err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	if res.Written != int64(len(blob)) {
		t.Fatalf("Written = %d, want %d", res.Written, len(blob))
	}
	if res.PrefixChecksum != xxhash.Sum64(blob) {
		t.Fatalf("PrefixChecksum mismatch")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("file contents = %q, want %q", got, blob)
	}
}

func TestSetFileSplicesRemainder(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")

	prefix := []byte("PREFIX-")
	tail := bytes.Repeat([]byte("Z"), 8192)
	full := append(append([]byte{}, prefix...), tail...)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	go func() {
		w.Write(tail)
		w.Close()
	}()

	res, err := SetFile(dst, len(full), prefix, r)
	if err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	if res.Written != int64(len(full)) {
		t.Fatalf("Written = %d, want %d", res.Written, len(full))
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("file contents length %d, want %d", len(got), len(full))
	}
}
