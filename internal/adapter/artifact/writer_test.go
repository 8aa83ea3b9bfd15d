package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/solenlabs/chatvault/internal/domain"
)

func newTestWriter(t *testing.T, dir, compression string) *Writer {
	t.Helper()
	j, err := OpenJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("OpenJournal() returned error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	state, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover() returned error: %v", err)
	}
	return NewWriter(dir, compression, j, state, testLogger())
}

func staticRender(payload string) func(seq uint64) ([]byte, error) {
	return func(seq uint64) ([]byte, error) {
		return []byte(payload), nil
	}
}

func TestCommitWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, "none")
	ts := stamp(30)

	var renderedSeq uint64
	name, seq, data, err := w.Commit(context.Background(), domain.KindDigest, ts, func(s uint64) ([]byte, error) {
		renderedSeq = s
		return []byte(fmt.Sprintf(`{"sequence":%d}`, s)), nil
	})
	if err != nil {
		t.Fatalf("Commit() returned error: %v", err)
	}

	if seq != 1 || renderedSeq != 1 {
		t.Errorf("expected sequence 1 allocated and rendered, got %d and %d", seq, renderedSeq)
	}
	if name != "digest_000001_20250310T123000Z.json" {
		t.Errorf("unexpected artifact name %q", name)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if string(onDisk) != `{"sequence":1}` {
		t.Errorf("unexpected artifact content %s", onDisk)
	}
	if !bytes.Equal(data, onDisk) {
		t.Error("expected Commit to return the bytes as written")
	}

	// No temp file may survive a successful commit.
	entries, _ := os.ReadDir(dir)
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			t.Errorf("leftover temp file %s", de.Name())
		}
	}

	if _, seq2, _, err := w.Commit(context.Background(), domain.KindDigest, ts.Add(time.Minute), staticRender(`{}`)); err != nil || seq2 != 2 {
		t.Fatalf("expected second commit with sequence 2, got %d, %v", seq2, err)
	}
}

func TestCommitSequencesAreIndependentPerKind(t *testing.T) {
	w := newTestWriter(t, t.TempDir(), "none")
	ctx := context.Background()

	if _, seq, _, err := w.Commit(ctx, domain.KindDigest, stamp(1), staticRender(`{}`)); err != nil || seq != 1 {
		t.Fatalf("digest commit: seq %d, err %v", seq, err)
	}
	if _, seq, _, err := w.Commit(ctx, domain.KindDigest, stamp(2), staticRender(`{}`)); err != nil || seq != 2 {
		t.Fatalf("digest commit: seq %d, err %v", seq, err)
	}
	if _, seq, _, err := w.Commit(ctx, domain.KindExport, stamp(3), staticRender(`{}`)); err != nil || seq != 1 {
		t.Fatalf("export commit: seq %d, err %v", seq, err)
	}
}

func TestCommitBuildFailureBurnsNoSequence(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, "none")

	boom := errors.New("render exploded")
	_, _, _, err := w.Commit(context.Background(), domain.KindDigest, stamp(1), func(seq uint64) ([]byte, error) {
		return nil, boom
	})

	var buildErr *domain.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %T: %v", err, err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected BuildError to wrap the render error")
	}

	if got := w.NextSequence(domain.KindDigest); got != 1 {
		t.Errorf("expected sequence 1 still available, got %d", got)
	}

	entries, _ := os.ReadDir(dir)
	for _, de := range entries {
		if de.Name() != journalName {
			t.Errorf("unexpected file after failed build: %s", de.Name())
		}
	}

	// The very next commit reuses the number; no gap appears.
	if _, seq, _, err := w.Commit(context.Background(), domain.KindDigest, stamp(2), staticRender(`{}`)); err != nil || seq != 1 {
		t.Fatalf("expected sequence 1 after failed build, got %d, %v", seq, err)
	}
}

func TestCommitCompression(t *testing.T) {
	payload := `{"records":["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]}`

	t.Run("gzip", func(t *testing.T) {
		dir := t.TempDir()
		w := newTestWriter(t, dir, "gzip")

		name, _, _, err := w.Commit(context.Background(), domain.KindExport, stamp(1), staticRender(payload))
		if err != nil {
			t.Fatalf("Commit() returned error: %v", err)
		}
		if !strings.HasSuffix(name, ".json.gz") {
			t.Fatalf("expected .json.gz name, got %q", name)
		}

		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("failed to open artifact: %v", err)
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("artifact is not gzip: %v", err)
		}
		data, err := io.ReadAll(zr)
		if err != nil {
			t.Fatalf("failed to decompress: %v", err)
		}
		if string(data) != payload {
			t.Errorf("unexpected decompressed content %s", data)
		}
	})

	t.Run("zstd", func(t *testing.T) {
		dir := t.TempDir()
		w := newTestWriter(t, dir, "zstd")

		name, _, _, err := w.Commit(context.Background(), domain.KindExport, stamp(1), staticRender(payload))
		if err != nil {
			t.Fatalf("Commit() returned error: %v", err)
		}
		if !strings.HasSuffix(name, ".json.zst") {
			t.Fatalf("expected .json.zst name, got %q", name)
		}

		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("failed to read artifact: %v", err)
		}
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("artifact is not zstd: %v", err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			t.Fatalf("failed to decompress: %v", err)
		}
		if string(data) != payload {
			t.Errorf("unexpected decompressed content %s", data)
		}
	})
}

func TestCommitCanceledContext(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, "none")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rendered := false
	_, _, _, err := w.Commit(ctx, domain.KindDigest, stamp(1), func(seq uint64) ([]byte, error) {
		rendered = true
		return []byte(`{}`), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rendered {
		t.Error("expected render to be skipped on canceled context")
	}
}

func TestWriterResumesSequencesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w := newTestWriter(t, dir, "none")
	if _, seq, _, err := w.Commit(ctx, domain.KindDigest, stamp(1), staticRender(`{}`)); err != nil || seq != 1 {
		t.Fatalf("first commit: seq %d, err %v", seq, err)
	}
	if _, seq, _, err := w.Commit(ctx, domain.KindDigest, stamp(2), staticRender(`{}`)); err != nil || seq != 2 {
		t.Fatalf("second commit: seq %d, err %v", seq, err)
	}

	// A new writer over the same directory continues counting.
	w2 := newTestWriter(t, dir, "none")
	if _, seq, _, err := w2.Commit(ctx, domain.KindDigest, stamp(3), staticRender(`{}`)); err != nil || seq != 3 {
		t.Fatalf("post-restart commit: seq %d, err %v", seq, err)
	}
}
