// Command crisol is the execution engine host. It speaks JSON lines over
// stdio: one request per line on stdin, one response per line on stdout.
// Logs go to stderr so they never interleave with the protocol channel.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d-araiza/crisol/internal/config"
	"github.com/d-araiza/crisol/internal/engine"
	"github.com/d-araiza/crisol/internal/kernel"
	"github.com/d-araiza/crisol/internal/pool"
	"github.com/d-araiza/crisol/internal/reaper"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/internal/sandbox"
	"github.com/d-araiza/crisol/internal/security"
	"github.com/d-araiza/crisol/internal/store"
	"github.com/d-araiza/crisol/protocol"
)

func main() {
	cfgPath := flag.String("config", "", "path to crisol.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.HistoryDBPath)
	if err != nil {
		logger.Error("open history store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := runtime.NewRegistry(cfg.Runtimes)
	filter := security.NewFilter(logger)
	stateless := sandbox.NewExecutor(cfg, filter, registry, logger)
	sessions := pool.New(cfg, kernel.NewLauncher(cfg, registry, logger), logger)
	eng := engine.New(cfg, registry, filter, stateless, sessions, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reaper.New(sessions, cfg.ReapInterval(), logger).Run(ctx)

	// Graceful shutdown on signal: stop the reaper, close every session.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		eng.Shutdown(shutdownCtx)
		os.Exit(0)
	}()

	logger.Info("crisol engine ready", "max_sessions", cfg.MaxSessions)
	serve(ctx, eng, st, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	eng.Shutdown(shutdownCtx)
}

// serve reads request lines from stdin until EOF.
func serve(ctx context.Context, eng *engine.Engine, st *store.Store, logger *slog.Logger) {
	enc := json.NewEncoder(os.Stdout)
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(response{Error: "malformed request: " + err.Error()})
			continue
		}
		enc.Encode(handle(ctx, eng, st, req, logger))
	}
	if err := sc.Err(); err != nil {
		logger.Error("read stdin", "error", err)
	}
}

func handle(ctx context.Context, eng *engine.Engine, st *store.Store, req request, logger *slog.Logger) response {
	resp := response{Op: req.Op}
	switch req.Op {
	case "execute", "":
		resp.Op = "execute"
		resp.Result = eng.Execute(ctx, engine.Request{
			Code:      req.Code,
			Language:  req.Language,
			Mode:      engine.Mode(req.Mode),
			SessionID: req.SessionID,
			Timeout:   time.Duration(req.TimeoutSeconds * float64(time.Second)),
		})

	case "list_sessions":
		resp.Sessions = eng.ListSessions()

	case "interrupt":
		ok := eng.Interrupt(req.SessionID)
		resp.OK = &ok

	case "kill":
		ok := eng.Kill(req.SessionID)
		resp.OK = &ok

	case "history":
		execs, err := st.ListRecent(req.Limit)
		if err != nil {
			logger.Error("list history", "error", err)
			resp.Error = "history unavailable"
			break
		}
		resp.History = execs

	default:
		resp.Error = "unknown op: " + req.Op
	}
	return resp
}
