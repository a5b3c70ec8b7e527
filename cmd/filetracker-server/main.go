// Command filetracker-server runs the filetracker HTTP storage server.
//
// It acts as its own manager process: it runs a recovery pass against
// the data directory before ever opening the engine workers will serve
// from, the way the reference implementation's manager runs recover.py
// before forking workers. Once recovery completes, it opens the engine
// once and serves it to any number of concurrent requests, bounded by
// -workers.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sio2project/filetracker/server"
	"github.com/sio2project/filetracker/server/migration"
	"github.com/sio2project/filetracker/storage"
	"github.com/sio2project/filetracker/storage/recover"
)

var (
	flagAddr     = flag.String("addr", ":8080", "listen address")
	flagDir      = flag.String("dir", "", "data directory (required)")
	flagWorkers  = flag.Int("workers", 20, "maximum number of requests served concurrently")
	flagFallback = flag.String("fallback", "", "if set, GET misses are redirected (307) to this upstream filetracker server instead of returning 404")
	flagRecover  = flag.Bool("recover", true, "run a recovery pass against -dir before serving")
	flagVerbose  = flag.Bool("verbose", false, "enable verbose logging")
)

func logf(format string, args ...interface{}) {
	if *flagVerbose {
		log.Printf(format, args...)
	}
}

func main() {
	flag.Parse()
	if *flagDir == "" {
		log.Fatal("filetracker-server: -dir is required")
	}

	if *flagRecover {
		log.Printf("running recovery pass against %s", *flagDir)
		report, err := recover.Run(*flagDir)
		if err != nil {
			log.Fatalf("recovery pass failed: %v", err)
		}
		log.Printf("recovery done: %d links checked (%d broken), %d blobs checked (%d orphaned)",
			report.LinksChecked, report.BrokenLinks, report.BlobsChecked, report.OrphanBlobs)
	}

	engine, err := storage.Open(*flagDir)
	if err != nil {
		log.Fatalf("opening storage at %s: %v", *flagDir, err)
	}
	defer engine.Close()

	var handler http.Handler
	if *flagFallback != "" {
		handler = migration.New(engine, *flagFallback)
	} else {
		handler = server.New(engine)
	}
	handler = limitConcurrency(handler, *flagWorkers)

	srv := &http.Server{
		Addr:    *flagAddr,
		Handler: loggingMiddleware(handler),
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		log.Printf("listening on %s (workers=%d, dir=%s)", *flagAddr, *flagWorkers, *flagDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			log.Printf("received %s, shutting down", sig)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("filetracker-server: %v", err)
	}
}

// limitConcurrency bounds the number of requests handler serves at
// once to n, the same rate-limiting-channel pattern perkeep's localdisk
// stat path uses for parallel stats, generalized here to the whole
// request lifecycle in place of the reference implementation's
// process-per-worker model.
func limitConcurrency(handler http.Handler, n int) http.Handler {
	if n <= 0 {
		return handler
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sem <- struct{}{}
		defer func() { <-sem }()
		handler.ServeHTTP(w, r)
	})
}

func loggingMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler.ServeHTTP(w, r)
		logf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
