// grading-orchestrator is the pipeline driver process: it accepts submission
// and user-test ingress over HTTP, plans jobs into the queue fabric, scores
// settled barriers and exposes the admin controls. Any number of orchestrator
// processes may run against the same database and fabric.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/sql/pool"
	"github.com/contestms/grading/grading/go/db"
	"github.com/contestms/grading/grading/go/orchestrator"
	"github.com/contestms/grading/grading/go/queue"
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
		dbConn      = flag.String("db", "", "Connection string of the contest database. Required.")
		redisAddr   = flag.String("redis", "localhost:6379", "Address of the Redis queue fabric.")
		redisPrefix = flag.String("redis_prefix", "grading", "Key prefix inside the queue fabric.")
		depthLimit  = flag.Int("queue_depth_limit", 1000, "Per-cell backpressure threshold; 0 disables backpressure.")
		port        = flag.String("port", ":8000", "HTTP ingress and admin service address.")
		promPort    = flag.String("prom_port", ":20000", "Metrics service address.")
		applySchema = flag.Bool("apply_schema", false, "Create the database tables on startup if missing.")
	)
	flag.Parse()
	defer sklog.Flush()
	if *dbConn == "" {
		sklog.Errorf("--db is required")
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlPool, err := pool.New(ctx, *dbConn)
	if err != nil {
		sklog.Errorf("Failed to connect to the database: %s", err)
		return exitInfraError
	}
	defer sqlPool.Close()
	database := db.NewSQLDB(sqlPool)
	if *applySchema {
		if err := database.ApplySchema(ctx); err != nil {
			sklog.Errorf("Failed to apply the schema: %s", err)
			return exitInfraError
		}
	}

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		sklog.Errorf("Failed to reach the queue fabric at %s: %s", *redisAddr, err)
		return exitInfraError
	}
	fabric := queue.NewRedisFabric(client, *redisPrefix)

	orch := orchestrator.New(database, fabric, *depthLimit)

	// The database is the authority over the fabric: rebuild in-flight
	// state before accepting new work.
	if err := orch.Recover(ctx); err != nil {
		sklog.Errorf("Recovery failed: %s", err)
		return exitInfraError
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		sklog.Infof("Metrics on %s", *promPort)
		if err := http.ListenAndServe(*promPort, nil); err != nil {
			sklog.Errorf("Metrics server died: %s", err)
		}
	}()
	srv := &http.Server{Addr: *port, Handler: router(orch)}
	go func() {
		sklog.Infof("Serving on %s", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sklog.Errorf("HTTP server died: %s", err)
		}
	}()

	err = orch.Start(ctx)
	_ = srv.Shutdown(context.Background())
	if ctx.Err() != nil {
		sklog.Infof("Stopped by signal")
		return exitSignal
	}
	if err != nil {
		sklog.Errorf("Orchestrator stopped: %s", err)
		return exitInfraError
	}
	return exitOK
}

// router builds the ingress and admin API.
func router(orch *orchestrator.Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v1/submissions/{id}", handleID(orch.Submit))
	r.Post("/api/v1/user_tests/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := parseID(req)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		if err := orch.SubmitUserTest(req.Context(), id); errors.Is(err, orchestrator.ErrOverloaded) {
			httpError(w, http.StatusServiceUnavailable, err)
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/v1/submissions/{id}/reevaluate", handleID(orch.ReevaluateSubmission))
	r.Post("/api/v1/datasets/{id}/reevaluate", handleID(orch.ReevaluateDataset))
	r.Post("/api/v1/tasks/{id}/reevaluate", handleID(orch.ReevaluateTask))
	r.Post("/api/v1/datasets/{id}/rescore", handleID(orch.Rescore))
	r.Post("/api/v1/submissions/{id}/cancel", handleID(orch.CancelSubmission))
	r.Post("/api/v1/submissions/{id}/invalidate", handleInvalidate(orch.InvalidateSubmission))
	r.Post("/api/v1/datasets/{id}/invalidate", handleInvalidate(orch.InvalidateDataset))
	r.Get("/api/v1/tasks/{taskID}/scores/{participationID}", func(w http.ResponseWriter, req *http.Request) {
		taskID, err := strconv.ParseInt(chi.URLParam(req, "taskID"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		participationID, err := strconv.ParseInt(chi.URLParam(req, "participationID"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		score, err := orch.TaskScoreFor(req.Context(), participationID, taskID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strconv.FormatFloat(score, 'g', -1, 64) + "\n"))
	})
	return r
}

// handleInvalidate adapts an invalidation call, taking the level from the
// query string.
func handleInvalidate(fn func(ctx context.Context, id int64, level orchestrator.InvalidateLevel) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := parseID(req)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		level := orchestrator.InvalidateLevel(req.URL.Query().Get("level"))
		if !level.Valid() {
			httpError(w, http.StatusBadRequest, errors.Errorf("invalid level %q", level))
			return
		}
		if err := fn(req.Context(), id, level); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleID adapts a one-id orchestrator call into an HTTP handler.
func handleID(fn func(ctx context.Context, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := parseID(req)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		if err := fn(req.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func parseID(req *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing id %q", chi.URLParam(req, "id"))
	}
	return id, nil
}

func httpError(w http.ResponseWriter, code int, err error) {
	sklog.Errorf("HTTP %d: %s", code, err)
	http.Error(w, err.Error(), code)
}
