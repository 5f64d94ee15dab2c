package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	return map[string]Store{"memory": NewMemory(), "fs": fsStore}
}

func TestPutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			payload := []byte("trajectory bytes")
			info, err := store.Put(ctx, "simulation-data/abc.tar.gz", bytes.NewReader(payload),
				PutOptions{ContentType: "application/gzip", Metadata: map[string]string{"substance": "CCO"}})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size != int64(len(payload)) {
				t.Fatalf("size got %d want %d", info.Size, len(payload))
			}
			if info.ETag == "" {
				t.Fatal("expected a content digest")
			}

			if _, err := store.Put(ctx, "simulation-data/abc.tar.gz", bytes.NewReader(payload), PutOptions{}); err == nil {
				t.Fatal("second put at same key must fail")
			}

			got, rc, err := store.Get(ctx, "simulation-data/abc.tar.gz")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(data, payload) {
				t.Fatal("payload mismatch")
			}
			if got.Metadata["substance"] != "CCO" {
				t.Fatalf("metadata got %v", got.Metadata)
			}

			head, err := store.Head(ctx, "simulation-data/abc.tar.gz")
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if head.ContentType != "application/gzip" {
				t.Fatalf("content type got %q", head.ContentType)
			}

			existed, err := store.Delete(ctx, "simulation-data/abc.tar.gz")
			if err != nil || !existed {
				t.Fatalf("delete got (%v, %v)", existed, err)
			}
			if _, _, err := store.Get(ctx, "simulation-data/abc.tar.gz"); err == nil {
				t.Fatal("get after delete must fail")
			}
		})
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"a/1", "a/2", "b/1"} {
				if _, err := store.Put(ctx, key, bytes.NewReader([]byte(key)), PutOptions{}); err != nil {
					t.Fatalf("put %s: %v", key, err)
				}
			}
			infos, err := store.List(ctx, "a/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(infos) != 2 || infos[0].Key != "a/1" || infos[1].Key != "a/2" {
				t.Fatalf("list got %+v", infos)
			}
		})
	}
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	for _, key := range []string{"", "../escape", "/absolute"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil), PutOptions{}); err == nil {
			t.Fatalf("key %q should be rejected", key)
		}
	}
}

func TestMemoryMissingKeyIsNotExist(t *testing.T) {
	store := NewMemory()
	_, _, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	existed, err := store.Delete(context.Background(), "missing")
	if err != nil || existed {
		t.Fatalf("delete missing got (%v, %v)", existed, err)
	}
}
