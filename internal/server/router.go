package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"evalgate/internal/guardrails"
	"evalgate/internal/target"
)

type API struct {
	cfg          ServerConfig
	store        Store
	orchestrator *Orchestrator
	obs          *Observability
}

func NewAPI(cfg ServerConfig, store Store, orchestrator *Orchestrator, obs *Observability) *API {
	return &API{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
		obs:          obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/runs", a.handleCreateRun)
	mux.HandleFunc("POST /api/v1/runs/async", a.handleCreateRunAsync)
	mux.HandleFunc("GET /api/v1/runs", a.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", a.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", a.handleCancelRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", a.handleRunEventsSSE)

	mux.HandleFunc("POST /api/v1/guardrails/preflight", a.handlePreflight)
	mux.HandleFunc("GET /api/v1/metrics/overview", a.handleOverview)

	wrapped := otelhttp.NewHandler(mux, "evalgate-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

// handleCreateRun submits and executes synchronously; the response carries the
// final state and summary.
func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("evalgate-api").Start(r.Context(), "runs.create_sync")
	defer span.End()
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	meta, err := a.orchestrator.Submit(req)
	if err != nil {
		span.RecordError(err)
		writeSubmitError(w, err)
		return
	}
	final, err := a.orchestrator.StartSync(ctx, meta.RunID)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, final)
}

func (a *API) handleCreateRunAsync(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("evalgate-api").Start(r.Context(), "runs.create_async")
	defer span.End()
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	meta, err := a.orchestrator.Submit(req)
	if err != nil {
		span.RecordError(err)
		writeSubmitError(w, err)
		return
	}
	if err := a.orchestrator.StartAsync(meta.RunID); err != nil {
		span.RecordError(err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": meta.RunID,
		"status": "started",
	})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.store.ListRuns(100),
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	meta, ok := a.orchestrator.Poll(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	if err := a.orchestrator.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": id,
		"status": "cancel_requested",
	})
}

func (a *API) handleRunEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []RunEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: run_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListRunEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListRunEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

// PreflightRequest is a standalone guardrails check, outside any run. When
// Output is empty and an endpoint is given, one completion probe is fetched
// through the resilient invoker to score output-level rules.
type PreflightRequest struct {
	Input      string             `json:"input"`
	Output     string             `json:"output,omitempty"`
	Model      string             `json:"model"`
	Rules      []string           `json:"rules"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	GateMode   string             `json:"gate_mode,omitempty"`
	Endpoint   string             `json:"endpoint,omitempty"`
	APIKey     string             `json:"api_key,omitempty"`
}

func (a *API) handlePreflight(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("evalgate-api").Start(r.Context(), "guardrails.preflight")
	defer span.End()
	var req PreflightRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if len(req.Rules) == 0 {
		writeError(w, http.StatusBadRequest, "at least one rule is required")
		return
	}
	gateMode, ok := guardrails.ParseGateMode(req.GateMode)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown gate_mode %q", req.GateMode))
		return
	}
	check := guardrails.CheckRequest{
		Input:      req.Input,
		Output:     req.Output,
		Model:      req.Model,
		Stage:      "preflight",
		Rules:      req.Rules,
		Thresholds: mergeThresholds(a.cfg.Guardrails.Thresholds, req.Thresholds),
		Mode:       gateMode,
	}
	if req.Output == "" && strings.TrimSpace(req.Endpoint) != "" {
		client := target.NewClient(target.Config{
			BaseURL: req.Endpoint,
			APIKey:  req.APIKey,
			Model:   req.Model,
			Timeout: time.Duration(a.cfg.Resilience.CallTimeoutSec) * time.Second,
		})
		targetKey := req.Endpoint + "|" + req.Model
		check.Probe = func(ctx context.Context) (string, error) {
			var resp *target.CompletionResponse
			_, _, err := a.orchestrator.Invoker().Do(ctx, targetKey, func(ctx context.Context) (*target.RawResponse, error) {
				var raw *target.RawResponse
				var callErr error
				resp, raw, callErr = client.Complete(ctx, target.CompletionRequest{
					Model:    req.Model,
					Messages: []target.Message{{Role: "user", Content: req.Input}},
				})
				return raw, callErr
			})
			if err != nil {
				return "", err
			}
			return resp.Output, nil
		}
	}
	result, err := a.orchestrator.Guard().Check(ctx, check)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var validation *ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
