package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/extbus"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/monitor"
)

func runReconcileCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: fleetd reconcile")
		return 2
	}
	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{agents: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	defer rt.close()

	res := rt.monitor.Reconcile(ctx)
	if err := writeJSON(os.Stdout, res); err != nil {
		return 1
	}
	if len(res.ErrorTaskIDs) > 0 {
		return 1
	}
	return 0
}

type drainOutput struct {
	Delivered int    `json:"delivered"`
	Pending   int    `json:"pending"`
	Dead      int    `json:"dead"`
	Error     string `json:"error,omitempty"`
}

func runOutboxCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 || args[0] != "drain" {
		fmt.Fprintln(os.Stderr, "usage: fleetd outbox drain")
		return 2
	}
	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	defer rt.close()

	if cfg.Bus.URL != "" {
		// Drain needs a live connection; a background redial would just fail every entry.
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rt.ext, err = extbus.Dial(dialCtx, cfg.Bus.URL, extbus.Options{Token: cfg.Bus.Token, Logger: logger})
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %v\n", cfg.Bus.URL, err)
			return 1
		}
	}

	out := drainOutput{}
	worker := rt.outboxWorker()
	for ctx.Err() == nil {
		n, err := worker.ProcessBatch(ctx)
		out.Delivered += n
		if err != nil {
			out.Error = err.Error()
			break
		}
		if n == 0 {
			break
		}
	}
	out.Pending, out.Dead, err = rt.store.OutboxStats(ctx, cfg.Outbox.MaxRetries)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	if err := writeJSON(os.Stdout, out); err != nil {
		return 1
	}
	if out.Error != "" || out.Pending > 0 {
		return 1
	}
	return 0
}

func runLimitCommand(cfg config.Config, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: fleetd limit <tier> <n>")
		return 2
	}
	tier, err := fleet.ParseTier(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "limit must be an integer: %v\n", err)
		return 2
	}
	if err := config.SetTierLimit(cfg.HomeDir, tier, n); err != nil {
		fmt.Fprintf(os.Stderr, "set limit: %v\n", err)
		return 1
	}
	fmt.Printf("%s limit set to %d in %s (takes effect on daemon restart)\n", tier, n, config.ConfigPath(cfg.HomeDir))
	return 0
}

type statusOutput struct {
	Tasks      map[fleet.TaskStatus]int `json:"tasks"`
	LiveByTier map[fleet.Tier]int       `json:"liveByTier"`
	Outbox     outboxStatus             `json:"outbox"`
	Daemon     json.RawMessage          `json:"daemon,omitempty"`
	DaemonErr  string                   `json:"daemonError,omitempty"`
}

type outboxStatus struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

type healthResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	Fingerprint string         `json:"fingerprint"`
	Monitor     monitor.Health `json:"monitor"`
	BusOnline   bool           `json:"busConnected"`
	Outbox      outboxStatus   `json:"outbox"`
}

func healthHandler(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "ok",
			Version:     Version,
			Fingerprint: rt.cfg.Fingerprint(),
			BusOnline:   rt.ext != nil && rt.ext.IsConnected(),
		}
		if rt.monitor != nil {
			resp.Monitor = rt.monitor.Health()
		}
		code := http.StatusOK
		pending, dead, err := rt.store.OutboxStats(r.Context(), rt.cfg.Outbox.MaxRetries)
		if err != nil {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		resp.Outbox = outboxStatus{Pending: pending, Dead: dead}
		if !resp.Monitor.Running {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func runStatusCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: fleetd status")
		return 2
	}
	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	defer rt.close()

	out := statusOutput{}
	if out.Tasks, err = rt.store.StatusCounts(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "status counts: %v\n", err)
		return 1
	}
	live, err := rt.store.LiveCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "live counts: %v\n", err)
		return 1
	}
	out.LiveByTier = live
	if out.Outbox.Pending, out.Outbox.Dead, err = rt.store.OutboxStats(ctx, cfg.Outbox.MaxRetries); err != nil {
		fmt.Fprintf(os.Stderr, "outbox stats: %v\n", err)
		return 1
	}

	code := 0
	if cfg.HealthAddr != "" {
		body, err := fetchHealth(ctx, cfg.HealthAddr)
		if err != nil {
			out.DaemonErr = err.Error()
			code = 1
		} else {
			out.Daemon = body
		}
	}
	if err := writeJSON(os.Stdout, out); err != nil {
		return 1
	}
	return code
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func fetchHealth(ctx context.Context, addr string) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(addr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("daemon returned %s with a non-JSON body", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("daemon reports %s", resp.Status)
	}
	return body, nil
}
