package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weftlabs/weft/internal/broker"
	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/gateway"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/records"
	"github.com/weftlabs/weft/internal/schema"
	"github.com/weftlabs/weft/internal/state"
	"github.com/weftlabs/weft/internal/worker"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("create data dir", "error", err)
		os.Exit(1)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	queueMgr := queue.NewManager(db, log)
	store := records.NewStore(db, log)

	// Leases left behind by an unclean shutdown of this machine would block
	// their sessions until expiry; clear them before taking new work.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	invalidated, err := queueMgr.InvalidateLeasesForMachine(startupCtx, cfg.MachineID)
	cancelStartup()
	if err != nil {
		log.Error("invalidate stale leases", "error", err)
		os.Exit(1)
	}
	if invalidated > 0 {
		log.Info("recovered stale leases", "machine_id", cfg.MachineID, "count", invalidated)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transport channel.Transport
	if cfg.BrokerURL != "" {
		bt := broker.NewTransport(cfg.BrokerURL, log)
		if err := bt.Connect(rootCtx); err != nil {
			log.Error("connect broker", "url", cfg.BrokerURL, "error", err)
			os.Exit(1)
		}
		transport = bt
	} else {
		log.Info("no broker configured, using in-process hub")
		transport = channel.NewHub()
	}
	defer transport.Close()

	registry := worker.NewRegistry()
	registry.Register(schema.RequestAdvance, echoExecutor())

	runner := worker.NewRunner(queueMgr, store, transport, registry, log, cfg.MachineID, cfg.LeasePeriod)
	pool := worker.NewPool(runner, transport, log, cfg.MachineID, cfg.WorkerSlots, cfg.ScanInterval)
	go func() {
		if err := pool.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Error("worker pool stopped", "error", err)
		}
	}()

	gw := &gateway.Server{
		Queue:      queueMgr,
		Store:      store,
		Transport:  transport,
		Log:        log,
		AckTimeout: cfg.AckTimeout,
		Debug:      cfg.Debug,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return rootCtx
		},
	}
	go func() {
		log.Info("weftd listening", "addr", listener.Addr().String(), "machine_id", cfg.MachineID)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	cancel()
	// Runners release their leases as they unwind; waiting here keeps
	// shutdown from orphaning sessions until lease expiry.
	pool.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

// echoExecutor is the built-in node logic: it completes a record whose
// output carries the task params. Deployments register real node executors
// in its place.
func echoExecutor() worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, task queue.Task) (worker.Result, error) {
		out := map[string]any{"text": ""}
		for key, val := range task.Params {
			out[key] = val
		}
		return worker.Result{
			Output:        map[string]map[string]any{"out": out},
			EventsEmitted: []string{"node_finished"},
		}, nil
	})
}
