package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crothmeier/search/internal/config"
	"github.com/crothmeier/search/internal/importer"
	"github.com/crothmeier/search/internal/logging"
	"github.com/crothmeier/search/internal/search"
	"github.com/crothmeier/search/internal/store"
	"github.com/crothmeier/search/internal/web"
)

const Version = "1.0.0"

const usage = `convsearch - full-text search over conversation exports

Usage:
  convsearch [flags] <command> [args]

Commands:
  import <file.json>   Import a conversation export file
  import -watch <dir>  Watch a directory and import new export files
  search <query>       Search indexed conversations
  count <file.json>    Count top-level elements in an export file
  stats                Show database statistics
  optimize             Run storage maintenance (checkpoint, analyze, vacuum)
  serve                Run the HTTP API server
  version              Print the version

Flags:
  -config <path>       Config file (default: convsearch.toml)
`

func main() {
	configPath := flag.String("config", config.ConfigFileName, "config file path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		LogDir:   cfg.Logs.Dir,
		Level:    cfg.Logs.Level,
		Format:   cfg.Logs.Format,
		Compress: true,
	})
	defer logging.Shutdown()

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("convsearch v%s\n", Version)
	case "help", "--help", "-h":
		flag.Usage()
	case "import":
		err = cmdImport(cfg, args[1:])
	case "search":
		err = cmdSearch(cfg, args[1:])
	case "count":
		err = cmdCount(cfg, args[1:])
	case "stats":
		err = cmdStats(cfg)
	case "optimize":
		err = cmdOptimize(cfg)
	case "serve":
		err = cmdServe(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.DBPath, store.Options{
		PoolSize:       cfg.Pool.Size,
		AcquireTimeout: cfg.AcquireTimeout(),
		BusyTimeout:    time.Duration(cfg.Pool.BusyTimeoutMillis) * time.Millisecond,
	})
}

func newService(cfg *config.Config, st *store.Store) *search.Service {
	return search.New(st, search.Options{
		RedisAddr:    cfg.Search.RedisAddr,
		CacheTTL:     cfg.CacheTTL(),
		QueryTimeout: cfg.QueryTimeout(),
	})
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdImport(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	watch := fs.Bool("watch", false, "watch a directory instead of importing one file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: convsearch import [-watch] <path>")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := newService(cfg, st)
	defer svc.Close()

	im := importer.New(st, importer.Options{
		Concurrency: cfg.Import.Concurrency,
		OnImport: func(ctx context.Context) {
			svc.InvalidateCache(ctx)
		},
	})

	ctx, cancel := signalContext()
	defer cancel()

	if *watch {
		return im.Watch(ctx, fs.Arg(0), importer.WatchOptions{
			Debounce:      time.Duration(cfg.Import.WatchDebounceSecs) * time.Second,
			RatePerMinute: cfg.Import.WatchRatePerMinute,
		})
	}

	res, err := im.ImportFile(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Println("File already imported (checksum match), nothing to do.")
		return nil
	}
	fmt.Printf("Imported %d conversations (%d messages, %d errors) in %s\n",
		res.Conversations, res.Messages, res.Errors, res.Duration.Round(time.Millisecond))
	return nil
}

func cmdSearch(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	limit := fs.Int("limit", search.DefaultLimit, "max results per page")
	offset := fs.Int("offset", 0, "result offset")
	asJSON := fs.Bool("json", false, "emit the full response as JSON")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: convsearch search [-limit n] [-offset n] [-json] <query>")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := newService(cfg, st)
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	resp, err := svc.Search(ctx, search.Request{
		Query:  fs.Arg(0),
		Limit:  *limit,
		Offset: *offset,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	for _, r := range resp.Results {
		fmt.Printf("[%s] %s (%s)\n    %s\n", r.Timestamp, r.Title, r.Sender, r.Snippet)
	}
	fmt.Printf("\n%d of %d results", resp.Count, resp.Total)
	if resp.HasMore {
		fmt.Printf(" (more available, use -offset %d)", resp.Offset+resp.Count)
	}
	fmt.Println()
	return nil
}

func cmdCount(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: convsearch count <file.json>")
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := importer.New(st, importer.Options{}).CountFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%d top-level elements\n", n)
	return nil
}

func cmdStats(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func cmdOptimize(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := newService(cfg, st)
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	if err := svc.Optimize(ctx); err != nil {
		return err
	}
	fmt.Printf("Optimized in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdServe(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := newService(cfg, st)
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Audit retention is enforced in the background while serving.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := svc.PruneAudits(ctx, cfg.AuditRetention()); err == nil && n > 0 {
					logging.Logger().Info("pruned audit rows", "count", n)
				}
			}
		}
	}()

	srv := web.NewServer(web.Config{ListenAddr: cfg.Web.ListenAddr}, svc)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
