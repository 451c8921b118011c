package blob

import (
	"context"
	"testing"

	"pairchat/internal/domain"
)

func TestPutGetRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	ref, err := fs.Put(ctx, "voice.ogg", []byte("audio-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := fs.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "audio-bytes" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestPut_SameBytesSameRef(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir())
	ctx := context.Background()

	r1, err := fs.Put(ctx, "a.ogg", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := fs.Put(ctx, "a.ogg", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatalf("expected identical refs, got %q and %q", r1, r2)
	}
}

func TestGet_Missing(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir())
	_, err := fs.Get(context.Background(), "sha256/deadbeef/none.ogg")
	if err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_RejectsTraversal(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir())
	if _, err := fs.Get(context.Background(), "sha256/../../etc/passwd"); err == nil {
		t.Fatal("expected error for traversal ref")
	}
	if _, err := fs.Get(context.Background(), "plain.ogg"); err == nil {
		t.Fatal("expected error for unprefixed ref")
	}
}
