// Package health serves liveness and readiness probes for the diagnostics
// server.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only when all of
// them pass, 503 otherwise. Both respond with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while it is usable and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is a dependency that can be probed for reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that passes when p.Ping succeeds.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Condition returns a checker that fails with reason whenever ok reports
// false.
func Condition(name string, ok func() bool, reason string) Checker {
	err := errors.New(reason)
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return err
		}
		return nil
	}}
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Handler serves the probes. The checker set is fixed by [New].
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultTimeout}
}

// Evaluate runs every checker concurrently, each under its own timeout, and
// summarises the outcome.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{OK: err == nil, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok"}
	if len(results) > 0 {
		rep.Checks = make(map[string]CheckResult, len(results))
	}
	for i, r := range results {
		rep.Checks[h.checkers[i].Name] = r
		if !r.OK {
			rep.Status = "fail"
		}
	}
	return rep
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, Report{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		rep := h.Evaluate(r.Context())
		code := http.StatusOK
		if rep.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		respond(w, code, rep)
	})
}

func respond(w http.ResponseWriter, code int, rep Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
