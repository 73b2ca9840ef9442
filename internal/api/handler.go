package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/gonkalabs/shadowgate/internal/pipeline"
	"github.com/gonkalabs/shadowgate/internal/sanitize"
	"github.com/gonkalabs/shadowgate/internal/vault"
)

// SessionHeader carries the vault session id of a sanitized request.
const SessionHeader = "X-Shadow-Session"

const maxBodyBytes = 10 << 20

// Pipeline is the interception surface the handler drives.
type Pipeline interface {
	OnRequest(ctx context.Context, flowID string, body []byte) ([]byte, pipeline.Outcome, error)
	OnResponse(ctx context.Context, flowID string, body []byte, enc sanitize.Encoding) []byte
	RestoreStream(ctx context.Context, flowID string, src io.Reader) io.Reader
	Release(flowID string)
	ProcessText(ctx context.Context, text string) (pipeline.Processed, error)
	Rehydrate(ctx context.Context, text string) (pipeline.RehydrateResult, error)
	Reveal(ctx context.Context, id int64) (string, error)
}

// Store is the read side of the vault used by the dashboard endpoints.
type Store interface {
	AllMappings(ctx context.Context, limit, offset int) ([]vault.Mapping, error)
	RecentLogs(ctx context.Context, limit int) ([]vault.LogEvent, error)
	Stats(ctx context.Context) (vault.Stats, error)
}

// Upstream forwards requests to the remote AI endpoint.
type Upstream interface {
	Do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error)
	DoStream(ctx context.Context, method, path string, payload []byte) (*http.Response, error)
}

// Handler implements all HTTP endpoints.
type Handler struct {
	pipeline Pipeline
	store    Store
	client   Upstream
	reveal   *rate.Limiter
	gatherer prometheus.Gatherer

	publicOrigins []string
	vaultOrigins  []string
}

// DefaultVaultOrigins are the dashboard origins allowed to read the vault.
var DefaultVaultOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

// Option configures a Handler.
type Option func(*Handler)

// WithRevealLimit allows at most rpm reveals per minute (burst 5).
func WithRevealLimit(rpm int) Option {
	return func(h *Handler) {
		if rpm > 0 {
			h.reveal = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
		}
	}
}

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithCORS sets the browser origins allowed on the public endpoints and on
// the vault endpoints (/vault, /stats, /logs, /metrics). Nil keeps the default.
func WithCORS(public, vault []string) Option {
	return func(h *Handler) {
		if public != nil {
			h.publicOrigins = public
		}
		if vault != nil {
			h.vaultOrigins = vault
		}
	}
}

// New creates a Handler.
func New(p Pipeline, store Store, client Upstream, opts ...Option) *Handler {
	h := &Handler{
		pipeline: p,
		store:    store,
		client:   client,
		reveal:   rate.NewLimiter(rate.Limit(30.0/60.0), 5),
		gatherer: prometheus.DefaultGatherer,

		publicOrigins: []string{"*"},
		vaultOrigins:  DefaultVaultOrigins,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)
	r.Use(h.crossOrigin())

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Get("/v1/models", h.listModels)
	r.Post("/v1/chat/completions", h.chatCompletions)

	r.Post("/process_text", h.processText)
	r.Get("/vault/mappings", h.listMappings)
	r.Get("/vault/reveal/{id}", h.revealMapping)
	r.Post("/vault/rehydrate", h.rehydrate)
	r.Get("/stats", h.stats)
	r.Get("/logs", h.logs)
}

// ---------- proxy ----------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	body, status, err := h.client.Do(r.Context(), http.MethodGet, "/models", nil)
	if err != nil {
		slog.Error("upstream models error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	ctx := r.Context()
	flowID := uuid.NewString()
	defer h.pipeline.Release(flowID)

	out, res, err := h.pipeline.OnRequest(ctx, flowID, body)
	if err != nil {
		if errors.Is(err, pipeline.ErrStoreFailed) {
			writeErr(w, http.StatusServiceUnavailable, "vault unavailable, request was not forwarded")
			return
		}
		slog.Error("chat completions: sanitize failed", "err", err)
		writeErr(w, http.StatusInternalServerError, "sanitize failed")
		return
	}
	if res.SessionID != "" {
		w.Header().Set(SessionHeader, res.SessionID)
	}

	// Peek at stream flag
	var peek struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &peek)

	slog.Info("chat completions", "stream", peek.Stream, "bodyLen", len(out), "sanitized", res.Sanitized, "degraded", res.Degraded)

	if peek.Stream {
		h.streamResponse(w, r, flowID, out, res.Sanitized)
	} else {
		h.nonStreamResponse(w, r, flowID, out, res.Sanitized)
	}
}

func (h *Handler) nonStreamResponse(w http.ResponseWriter, r *http.Request, flowID string, body []byte, sanitized bool) {
	respBody, status, err := h.client.Do(r.Context(), http.MethodPost, "/chat/completions", body)
	if err != nil {
		slog.Error("upstream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}

	if sanitized {
		respBody = h.pipeline.OnResponse(r.Context(), flowID, respBody, sanitize.JSON)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, flowID string, body []byte, sanitized bool) {
	resp, err := h.client.DoStream(r.Context(), http.MethodPost, "/chat/completions", body)
	if err != nil {
		slog.Error("upstream stream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		if sanitized {
			errBody = h.pipeline.OnResponse(r.Context(), flowID, errBody, sanitize.JSON)
		}
		slog.Error("upstream stream status", "code", resp.StatusCode, "bodyLen", len(errBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(errBody)
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Warn("response writer does not support flushing")
	}

	var src io.Reader = resp.Body
	if sanitized {
		src = h.pipeline.RestoreStream(r.Context(), flowID, resp.Body)
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Error("client write error", "err", writeErr)
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Error("upstream read error", "err", readErr)
			}
			return
		}
	}
}

// ---------- vault ----------

type textRequest struct {
	Text string `json:"text"`
}

type processResponse struct {
	pipeline.Processed
	Error string `json:"error,omitempty"`
}

func (h *Handler) processText(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeText(w, r)
	if !ok {
		return
	}
	res, err := h.pipeline.ProcessText(r.Context(), req.Text)
	if err != nil {
		slog.Error("process_text failed", "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrStoreFailed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, processResponse{
			Processed: pipeline.Processed{Text: req.Text},
			Error:     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Processed: res})
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	list, err := h.store.AllMappings(r.Context(), limit, offset)
	if err != nil {
		slog.Error("list mappings failed", "err", err)
		writeErr(w, http.StatusInternalServerError, "vault read failed")
		return
	}
	if list == nil {
		list = []vault.Mapping{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) revealMapping(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid mapping id")
		return
	}
	if !h.reveal.Allow() {
		slog.Warn("reveal rate limited", "id", id)
		w.Header().Set("Retry-After", "60")
		writeErr(w, http.StatusTooManyRequests, "too many reveal requests")
		return
	}

	val, err := h.pipeline.Reveal(r.Context(), id)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		writeErr(w, http.StatusNotFound, "mapping not found")
	case err != nil:
		slog.Error("reveal failed", "id", id, "err", err)
		writeErr(w, http.StatusInternalServerError, "vault read failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "real_val": val})
	}
}

func (h *Handler) rehydrate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeText(w, r)
	if !ok {
		return
	}
	res, err := h.pipeline.Rehydrate(r.Context(), req.Text)
	if err != nil {
		slog.Error("rehydrate failed", "err", err)
		writeErr(w, http.StatusInternalServerError, "vault read failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		slog.Error("stats failed", "err", err)
		writeErr(w, http.StatusInternalServerError, "vault read failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	events, err := h.store.RecentLogs(r.Context(), limit)
	if err != nil {
		slog.Error("logs failed", "err", err)
		writeErr(w, http.StatusInternalServerError, "vault read failed")
		return
	}
	if events == nil {
		events = []vault.LogEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ---------- helpers ----------

func decodeText(w http.ResponseWriter, r *http.Request) (textRequest, bool) {
	var req textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	return req, true
}

// queryInt parses an optional non-negative integer query parameter. Zero
// means "use the default".
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeErr(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}

// crossOrigin answers CORS preflights before routing. Vault endpoints hand
// out real values, so they get their own, narrower origin list.
func (h *Handler) crossOrigin() func(http.Handler) http.Handler {
	opts := func(origins []string) cors.Options {
		return cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
			ExposedHeaders: []string{SessionHeader},
			MaxAge:         600,
		}
	}
	public := cors.New(opts(h.publicOrigins))
	private := cors.New(opts(h.vaultOrigins))

	return func(next http.Handler) http.Handler {
		pub, priv := public.Handler(next), private.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Chrome asks before a public page may reach a loopback address.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Private-Network") == "true" {
				w.Header().Set("Access-Control-Allow-Private-Network", "true")
			}
			if isVaultPath(r.URL.Path) {
				priv.ServeHTTP(w, r)
				return
			}
			pub.ServeHTTP(w, r)
		})
	}
}

func isVaultPath(p string) bool {
	return strings.HasPrefix(p, "/vault/") || p == "/stats" || p == "/logs" || p == "/metrics"
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
