// grading-worker is the sharded execution process: it reserves jobs from the
// queue fabric, runs them through the matching task type and reports the
// settled payloads back. One job runs at a time per process; scale by running
// more shards.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/filecache"
	"github.com/contestms/grading/grading/go/queue"
	"github.com/contestms/grading/grading/go/worker"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 1
	exitInfraError  = 2
	exitSignal      = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		shard       = flag.String("shard", "", "Name of this worker shard. Required.")
		kindsFlag   = flag.String("kinds", "", "Comma-separated operation kinds to serve. Empty serves all kinds.")
		blobRoot    = flag.String("blob_root", "", "Root directory of the content-addressed blob store. Required.")
		cacheDir    = flag.String("cache_dir", "", "Local cache directory for fetched blobs. Required.")
		redisAddr   = flag.String("redis", "localhost:6379", "Address of the Redis queue fabric.")
		redisPrefix = flag.String("redis_prefix", "grading", "Key prefix inside the queue fabric.")
		maxTries    = flag.Int("max_tries", worker.DefaultMaxTries, "Attempts per job across infrastructure failures.")
		promPort    = flag.String("prom_port", ":20001", "Metrics service address.")
	)
	flag.Parse()
	defer sklog.Flush()
	if *shard == "" || *blobRoot == "" || *cacheDir == "" {
		sklog.Errorf("--shard, --blob_root and --cache_dir are required")
		return exitConfigError
	}
	kinds, err := parseKinds(*kindsFlag)
	if err != nil {
		sklog.Errorf("Bad --kinds: %s", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		sklog.Errorf("Failed to reach the queue fabric at %s: %s", *redisAddr, err)
		return exitInfraError
	}
	fabric := queue.NewRedisFabric(client, *redisPrefix)

	backend, err := filecache.NewFSBackend(*blobRoot)
	if err != nil {
		sklog.Errorf("Failed to open the blob store at %s: %s", *blobRoot, err)
		return exitInfraError
	}
	fc, err := filecache.New(backend, *cacheDir)
	if err != nil {
		sklog.Errorf("Failed to open the file cache: %s", err)
		return exitInfraError
	}

	w, err := worker.New(*shard, kinds, fabric, fc, *maxTries)
	if err != nil {
		sklog.Errorf("Failed to build the worker: %s", err)
		return exitConfigError
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		sklog.Infof("Metrics on %s", *promPort)
		if err := http.ListenAndServe(*promPort, nil); err != nil {
			sklog.Errorf("Metrics server died: %s", err)
		}
	}()

	err = w.Start(ctx)
	if ctx.Err() != nil {
		sklog.Infof("Stopped by signal")
		return exitSignal
	}
	if err != nil {
		sklog.Errorf("Worker stopped: %s", err)
		return exitInfraError
	}
	return exitOK
}

// parseKinds turns the --kinds flag into operation kinds; an empty flag
// serves everything.
func parseKinds(s string) ([]types.OperationKind, error) {
	if s == "" {
		return types.ValidOperationKinds, nil
	}
	var kinds []types.OperationKind
	for _, part := range strings.Split(s, ",") {
		kind := types.OperationKind(strings.TrimSpace(part))
		if !kind.Valid() {
			return nil, errors.Errorf("invalid operation kind %q", kind)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
