package datapack

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"fuzgrader/internal/common/storage"
	appErr "fuzgrader/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type memStorage struct {
	objects map[string][]byte
	gets    int
}

func (m *memStorage) key(bucket, key string) string { return bucket + "/" + key }

func (m *memStorage) GetObject(_ context.Context, bucket, key string) (storage.ObjectReader, error) {
	m.gets++
	data, ok := m.objects[m.key(bucket, key)]
	if !ok {
		return nil, appErr.New(appErr.StorageError).WithMessage("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[m.key(bucket, key)] = data
	return nil
}

func (m *memStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := m.objects[m.key(bucket, key)]
	if !ok {
		return storage.ObjectStat{}, appErr.New(appErr.StorageError).WithMessage("no such object")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), ETag: digest(data)[:16]}, nil
}

type entry struct {
	name string
	body string
	dir  bool
}

func buildPack(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	return buf.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFetchExtractsPack(t *testing.T) {
	data := buildPack(t,
		entry{name: "in/", dir: true},
		entry{name: "in/cmd-1", body: "./prog\n"},
		entry{name: "exp/out-1", body: "5\n"},
	)
	store := &memStorage{objects: map[string][]byte{"fixtures/hw1.tar.zst": data}}
	dst := filepath.Join(t.TempDir(), "tests")
	pack := Pack{Bucket: "fixtures", Key: "hw1.tar.zst", SHA256: digest(data)}

	f := NewFetcher(store)
	if err := f.Fetch(context.Background(), pack, dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "exp", "out-1"))
	if err != nil || string(got) != "5\n" {
		t.Fatalf("unexpected extracted file %q %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dst, tempFileName)); !os.IsNotExist(err) {
		t.Fatalf("temp pack must be removed")
	}

	if err := f.Fetch(context.Background(), pack, dst); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if store.gets != 1 {
		t.Fatalf("up-to-date pack must not be downloaded again, gets=%d", store.gets)
	}
}

func TestFetchWithoutDigestUsesETag(t *testing.T) {
	first := buildPack(t, entry{name: "exp/out-1", body: "5\n"})
	store := &memStorage{objects: map[string][]byte{"fixtures/hw1.tar.zst": first}}
	dst := filepath.Join(t.TempDir(), "tests")
	pack := Pack{Bucket: "fixtures", Key: "hw1.tar.zst"}
	f := NewFetcher(store)
	ctx := context.Background()

	if err := f.Fetch(ctx, pack, dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := f.Fetch(ctx, pack, dst); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if store.gets != 1 {
		t.Fatalf("unchanged object must be reused, gets=%d", store.gets)
	}

	store.objects["fixtures/hw1.tar.zst"] = buildPack(t, entry{name: "exp/out-1", body: "6\n"})
	if err := f.Fetch(ctx, pack, dst); err != nil {
		t.Fatalf("refresh Fetch: %v", err)
	}
	if store.gets != 2 {
		t.Fatalf("changed object must be downloaded again, gets=%d", store.gets)
	}
	got, err := os.ReadFile(filepath.Join(dst, "exp", "out-1"))
	if err != nil || string(got) != "6\n" {
		t.Fatalf("expected refreshed file, got %q %v", got, err)
	}
}

func TestFetchHashMismatch(t *testing.T) {
	data := buildPack(t, entry{name: "exp/out-1", body: "5\n"})
	store := &memStorage{objects: map[string][]byte{"fixtures/hw1.tar.zst": data}}
	pack := Pack{Bucket: "fixtures", Key: "hw1.tar.zst", SHA256: digest([]byte("other"))}

	err := NewFetcher(store).Fetch(context.Background(), pack, t.TempDir())
	if !appErr.Is(err, appErr.DataPackError) {
		t.Fatalf("expected DataPackError, got %v", err)
	}
}

func TestFetchMissingObject(t *testing.T) {
	store := &memStorage{objects: map[string][]byte{}}
	err := NewFetcher(store).Fetch(context.Background(), Pack{Bucket: "b", Key: "k"}, t.TempDir())
	if !appErr.Is(err, appErr.DataPackError) {
		t.Fatalf("expected DataPackError, got %v", err)
	}
	if err := NewFetcher(store).Fetch(context.Background(), Pack{Bucket: "b"}, t.TempDir()); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("missing key must fail validation, got %v", err)
	}
}

func TestExtractRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar.zst")
	if err := os.WriteFile(src, buildPack(t, entry{name: "../escape", body: "x"}), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst")
	if err := Extract(src, dst); !appErr.Is(err, appErr.DataPackError) {
		t.Fatalf("expected DataPackError, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); !os.IsNotExist(err) {
		t.Fatalf("escaping entry must not be written")
	}
}
