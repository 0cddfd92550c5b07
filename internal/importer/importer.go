// Package importer drives conversation export files through the streaming
// reader into the storage engine, with file-level checksum dedup and an
// optional directory watch mode.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crothmeier/search/internal/archive"
	"github.com/crothmeier/search/internal/logging"
	"github.com/crothmeier/search/internal/store"
)

var log = logging.ForComponent(logging.CompImporter)

// Importer ingests export files into a store.
type Importer struct {
	store       *store.Store
	concurrency int
	// onImport runs after each successful (non-skipped) file import. The
	// web layer hooks cache invalidation here.
	onImport func(context.Context)
}

// Options configures an Importer.
type Options struct {
	// Concurrency bounds parallel conversation ingests per file.
	// Defaults to 4.
	Concurrency int
	// OnImport, if set, runs after each file that imported at least one
	// conversation.
	OnImport func(context.Context)
}

// New builds an Importer over st.
func New(st *store.Store, opts Options) *Importer {
	c := opts.Concurrency
	if c <= 0 {
		c = 4
	}
	return &Importer{store: st, concurrency: c, onImport: opts.OnImport}
}

// Result summarizes one file import.
type Result struct {
	RunID         string        `json:"run_id"`
	FilePath      string        `json:"file_path"`
	Skipped       bool          `json:"skipped"`
	Conversations int           `json:"conversations_imported"`
	Messages      int           `json:"messages_imported"`
	Errors        int           `json:"errors_count"`
	Duration      time.Duration `json:"-"`
}

// ImportFile streams path into the store. A file whose checksum matches a
// previous import is skipped entirely. Individual conversation failures
// are counted and logged but do not abort the run.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString(), FilePath: path}
	flog := log.With(slog.String("run_id", res.RunID), slog.String("file", path))

	reader := archive.NewReader(path)
	info, err := reader.Info()
	if err != nil {
		return nil, err
	}
	checksum, err := fileChecksum(path)
	if err != nil {
		return nil, err
	}
	seen, err := im.store.HasImport(ctx, checksum)
	if err != nil {
		return nil, err
	}
	if seen {
		flog.Info("file already imported, skipping", slog.String("checksum", checksum[:12]))
		res.Skipped = true
		return res, nil
	}

	flog.Info("import started",
		slog.Int64("size_bytes", info.Size), slog.Int("workers", im.concurrency))

	var conversations, messages, errCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.concurrency)

	walkErr := reader.Conversations(func(conv *archive.Conversation) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			n, err := im.ingestOne(gctx, conv)
			if err != nil {
				// Isolate per-conversation failures; only context
				// cancellation stops the run.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errCount.Add(1)
				flog.Warn("conversation failed",
					slog.String("conversation_id", conv.ID), slog.Any("error", err))
				return nil
			}
			if n > 0 {
				conversations.Add(1)
				messages.Add(int64(n))
			}
			return nil
		})
		return nil
	})
	if gerr := g.Wait(); gerr != nil {
		return nil, gerr
	}
	if walkErr != nil {
		return nil, walkErr
	}

	res.Conversations = int(conversations.Load())
	res.Messages = int(messages.Load())
	res.Errors = int(errCount.Load())
	res.Duration = time.Since(start)

	if _, err := im.store.RecordImport(ctx, store.ImportRecord{
		FilePath:      path,
		FileSize:      info.Size,
		FileChecksum:  checksum,
		Conversations: res.Conversations,
		Messages:      res.Messages,
		Errors:        res.Errors,
		Duration:      res.Duration,
	}); err != nil {
		flog.Warn("import history write failed", slog.Any("error", err))
	}

	flog.Info("import finished",
		slog.Int("conversations", res.Conversations),
		slog.Int("messages", res.Messages),
		slog.Int("errors", res.Errors),
		slog.Duration("elapsed", res.Duration))

	if res.Conversations > 0 && im.onImport != nil {
		im.onImport(ctx)
	}
	return res, nil
}

func (im *Importer) ingestOne(ctx context.Context, conv *archive.Conversation) (int, error) {
	msgs := make([]store.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		msgs[i] = store.Message{Sender: m.Sender, Content: m.Content, Timestamp: m.Timestamp}
	}
	return im.store.Ingest(ctx, conv.ID, conv.Title, msgs, "")
}

// CountFile reports how many top-level elements path holds, without
// touching the store.
func (im *Importer) CountFile(path string) (int, error) {
	return archive.NewReader(path).Count()
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("importer: open: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("importer: checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
