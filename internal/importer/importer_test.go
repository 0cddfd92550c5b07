package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crothmeier/search/internal/store"
)

const sampleExport = `[
  {
    "id": "conv-a",
    "title": "First",
    "create_time": 1709294400,
    "messages": [
      {"author": {"role": "user"}, "content": "hello there", "create_time": 1709294400},
      {"author": {"role": "assistant"}, "content": "hi", "create_time": 1709294460}
    ]
  },
  {
    "id": "conv-b",
    "title": "Second",
    "create_time": 1709294500,
    "messages": [
      {"author": {"role": "user"}, "content": "another conversation", "create_time": 1709294500}
    ]
  },
  "not an object",
  {
    "id": "conv-empty",
    "title": "Empty",
    "messages": []
  }
]`

func newTestImporter(t *testing.T, opts Options) (*Importer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "import.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, opts), st
}

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportFile(t *testing.T) {
	im, st := newTestImporter(t, Options{})
	path := writeExport(t, sampleExport)
	ctx := context.Background()

	res, err := im.ImportFile(ctx, path)
	require.NoError(t, err)

	if res.Skipped {
		t.Fatal("fresh file marked skipped")
	}
	if res.Conversations != 2 {
		t.Errorf("imported %d conversations, want 2", res.Conversations)
	}
	if res.Messages != 3 {
		t.Errorf("imported %d messages, want 3", res.Messages)
	}
	if res.RunID == "" {
		t.Error("run id empty")
	}

	conv, err := st.GetConversation(ctx, "conv-a")
	require.NoError(t, err)
	if conv.Title != "First" || len(conv.Messages) != 2 {
		t.Errorf("conv-a: %+v", conv)
	}

	// Empty conversation must not produce a metadata row.
	if _, err := st.GetConversation(ctx, "conv-empty"); err == nil {
		t.Error("empty conversation was stored")
	}

	// Import history records the stat'd file size.
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.LastImport)
	if stats.LastImport.FileSize != int64(len(sampleExport)) {
		t.Errorf("recorded file size %d, want %d",
			stats.LastImport.FileSize, len(sampleExport))
	}
}

func TestImportFileSkipsDuplicate(t *testing.T) {
	im, _ := newTestImporter(t, Options{})
	path := writeExport(t, sampleExport)
	ctx := context.Background()

	first, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	if !second.Skipped {
		t.Error("identical file re-imported")
	}
	if second.Conversations != 0 || second.Messages != 0 {
		t.Errorf("skipped run reports work: %+v", second)
	}
}

func TestImportFileChangedContentReimports(t *testing.T) {
	im, st := newTestImporter(t, Options{})
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleExport), 0o644))
	_, err := im.ImportFile(ctx, path)
	require.NoError(t, err)

	grown := sampleExport[:len(sampleExport)-1] + `,
  {
    "id": "conv-c",
    "title": "Third",
    "messages": [{"author": {"role": "user"}, "content": "new", "create_time": 1709294600}]
  }
]`
	require.NoError(t, os.WriteFile(path, []byte(grown), 0o644))

	res, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	if res.Skipped {
		t.Fatal("changed file skipped")
	}
	// conv-a and conv-b are unchanged, so only conv-c inserts rows.
	if res.Conversations != 1 || res.Messages != 1 {
		t.Errorf("re-import counted %d/%d, want 1/1", res.Conversations, res.Messages)
	}
	if _, err := st.GetConversation(ctx, "conv-c"); err != nil {
		t.Errorf("conv-c missing after re-import: %v", err)
	}
}

func TestImportFileUnreadable(t *testing.T) {
	im, _ := newTestImporter(t, Options{})
	path := writeExport(t, `{"not": "an array"}`)

	_, err := im.ImportFile(context.Background(), path)
	if err == nil {
		t.Fatal("expected error for non-array export")
	}
}

func TestImportFileMissing(t *testing.T) {
	im, _ := newTestImporter(t, Options{})
	_, err := im.ImportFile(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestImportFileOnImportHook(t *testing.T) {
	var calls atomic.Int32
	im, _ := newTestImporter(t, Options{
		OnImport: func(context.Context) { calls.Add(1) },
	})
	path := writeExport(t, sampleExport)
	ctx := context.Background()

	_, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	if calls.Load() != 1 {
		t.Errorf("hook ran %d times, want 1", calls.Load())
	}

	// Skipped runs don't fire the hook.
	_, err = im.ImportFile(ctx, path)
	require.NoError(t, err)
	if calls.Load() != 1 {
		t.Errorf("hook ran on skipped import")
	}
}

func TestCountFile(t *testing.T) {
	im, _ := newTestImporter(t, Options{})
	path := writeExport(t, sampleExport)

	n, err := im.CountFile(path)
	require.NoError(t, err)
	// Raw top-level elements, including the malformed and empty ones.
	if n != 4 {
		t.Errorf("counted %d elements, want 4", n)
	}
}

func TestImportFileConcurrent(t *testing.T) {
	im, st := newTestImporter(t, Options{Concurrency: 8})
	ctx := context.Background()

	// Enough conversations to actually exercise the worker pool.
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < 40; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"id": "conv-%d", "title": "t", "messages": [{"author": {"role": "user"}, "content": "bulk message", "create_time": 1709294400}]}`, i)
	}
	sb.WriteByte(']')
	path := writeExport(t, sb.String())

	res, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	if res.Conversations != 40 {
		t.Fatalf("imported %d conversations, want 40", res.Conversations)
	}

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	if stats.Conversations != 40 || stats.Messages != 40 {
		t.Errorf("stats: %d conversations, %d messages", stats.Conversations, stats.Messages)
	}
}

func TestWatchImportsNewFile(t *testing.T) {
	im, st := newTestImporter(t, Options{})
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- im.Watch(ctx, dir, WatchOptions{Debounce: 100 * time.Millisecond, RatePerMinute: 600})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drop.json"), []byte(sampleExport), 0o644))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.GetConversation(ctx, "conv-a"); err == nil {
			cancel()
			<-done
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watched file never imported")
}

func TestWatchIgnoresNonJSON(t *testing.T) {
	im, st := newTestImporter(t, Options{})
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- im.Watch(ctx, dir, WatchOptions{Debounce: 100 * time.Millisecond, RatePerMinute: 600})
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(sampleExport), 0o644))

	<-done
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	if stats.Conversations != 0 {
		t.Errorf("non-json file imported: %d conversations", stats.Conversations)
	}
}
