package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opendatalab/catsync/internal/catalog"
	"github.com/opendatalab/catsync/internal/catalogstore"
	"github.com/opendatalab/catsync/internal/importer"
)

func main() {
	apiURL := flag.String("api-url", envOrDefault("CATSYNC_API_URL", "http://127.0.0.1:8080"), "catsyncd base URL")
	apiKey := flag.String("api-key", strings.TrimSpace(os.Getenv("CATSYNC_API_KEY")), "bearer token")
	importerID := flag.String("importer-id", strings.TrimSpace(os.Getenv("CATSYNC_IMPORTER_ID")), "importer ID owning the synced datasets")
	source := flag.String("source", strings.TrimSpace(os.Getenv("CATSYNC_SOURCE")), "path to the desired-state JSON file")
	namePrefix := flag.String("name-prefix", envOrDefault("CATSYNC_NAME_PREFIX", importer.DefaultNamePrefix), "prefix for generated dataset names")
	pageSize := flag.Int("page-size", intEnv("CATSYNC_PAGE_SIZE", importer.DefaultPageSize), "search page size")
	onErrorFlag := flag.String("on-error", envOrDefault("CATSYNC_ON_ERROR", "reraise"), "error policy: reraise, keep or delete")
	deleteUnsynced := flag.Bool("delete-unsynced", false, "delete records the plan no longer mentions")
	dryRun := flag.Bool("dry-run", false, "run against an in-process store instead of the API")
	watch := flag.Bool("watch", false, "keep running and re-sync when the source file changes")
	debounce := flag.Duration("watch-debounce", durationEnv("CATSYNC_WATCH_DEBOUNCE", 500*time.Millisecond), "delay before re-syncing after a file change")
	timeout := flag.Duration("timeout", durationEnv("CATSYNC_TIMEOUT", 5*time.Minute), "per-sync timeout")
	tail := flag.Bool("tail", false, "stream catalog events instead of syncing")
	after := flag.Int64("after", 0, "event sequence to tail from")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *tail {
		if err := tailEvents(rootCtx, *apiURL, *apiKey, *after); err != nil && rootCtx.Err() == nil {
			log.Fatalf("event stream failed: %v", err)
		}
		return
	}

	if strings.TrimSpace(*importerID) == "" {
		log.Fatalf("importer-id is required (--importer-id or CATSYNC_IMPORTER_ID)")
	}
	if strings.TrimSpace(*source) == "" {
		log.Fatalf("source is required (--source or CATSYNC_SOURCE)")
	}
	onError, err := parseOnError(*onErrorFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *timeout <= 0 {
		*timeout = 5 * time.Minute
	}

	var client catalog.Client
	if *dryRun {
		client = catalogstore.NewStore()
	} else {
		client = catalog.NewHTTPClient(*apiURL, *apiKey, &http.Client{Timeout: 30 * time.Second})
	}

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		plan, err := loadPlan(*source)
		if err != nil {
			log.Printf("failed to load plan: %v", err)
			return
		}
		// A fresh importer per run, so each run's GC judges only what that
		// run synced.
		imp, err := importer.New(*importerID, client, importer.Options{
			PageSize:   *pageSize,
			NamePrefix: *namePrefix,
			Logger:     log.Default(),
		})
		if err != nil {
			log.Printf("failed to initialize importer: %v", err)
			return
		}
		if err := applyPlan(ctx, imp, plan, onError, *deleteUnsynced); err != nil {
			log.Printf("sync finished with errors: %v", err)
			return
		}
		log.Printf("sync completed: %d datasets", len(plan))
	}

	run()
	if !*watch {
		return
	}
	if err := watchAndRun(rootCtx, *source, *debounce, run); err != nil && rootCtx.Err() == nil {
		log.Fatalf("watch failed: %v", err)
	}
}

// watchAndRun re-runs fn whenever the source file changes. The watch is on
// the parent directory, since editors typically replace the file by rename.
func watchAndRun(ctx context.Context, source string, debounce time.Duration, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	absSource, err := filepath.Abs(source)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absSource)); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	log.Printf("watching %s", absSource)
	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			log.Printf("watch stopping: %v", ctx.Err())
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absSource {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		case <-pending:
			fn()
		}
	}
}

func tailEvents(ctx context.Context, apiURL, apiKey string, after int64) error {
	log.Printf("streaming events from %s", apiURL)
	return catalog.StreamEvents(ctx, apiURL, apiKey, after, func(event catalog.Event) error {
		log.Printf("event %d: %s %s %s at %s", event.Seq, event.Type, event.Kind, event.ID, event.Timestamp)
		return nil
	})
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
