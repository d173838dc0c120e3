package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promptd/internal/coordinator"
	"promptd/internal/engine"
	"promptd/pkg/types"
)

// Service defines the coordinator methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, p coordinator.Prompt) (coordinator.EnqueueResult, error)
	Status() coordinator.Status
	CanAcceptPrompts() bool
	ShouldQueuePrompts() bool
	StopGeneration() error
	ResetContext() error
}

// serverBaseCtx is a process-level context that can be canceled on shutdown.
// Defaults to Background if not set.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context that is canceled when either a or b is done.
// The returned cancel func must be called to release the goroutine when the
// handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}

// maxBodyBytes controls the maximum allowed request body size for JSON
// endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

func parsePriority(s string) coordinator.Priority {
	switch strings.ToLower(s) {
	case "low":
		return coordinator.PriorityLow
	case "high":
		return coordinator.PriorityHigh
	case "critical":
		return coordinator.PriorityCritical
	default:
		return coordinator.PriorityNormal
	}
}

// NewMux builds the HTTP handler exposing the coordinator.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Log-Level"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		p := coordinator.Prompt{
			Text:     req.Prompt,
			Params:   engineParams(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.Stop, req.Seed, req.RepeatPenalty),
			Priority: parsePriority(req.Priority),
			TTL:      time.Duration(req.TTLMs) * time.Millisecond,
		}
		serveSubmission(w, r, svc, p)
	})

	r.Post("/chat", func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "messages are required")
			return
		}
		history := make([]engine.Message, len(req.Messages))
		for i, m := range req.Messages {
			history[i] = engine.Message{Role: m.Role, Content: m.Content}
		}
		p := coordinator.Prompt{
			History:  history,
			Params:   engineParams(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.Stop, req.Seed, req.RepeatPenalty),
			Priority: parsePriority(req.Priority),
			TTL:      time.Duration(req.TTLMs) * time.Millisecond,
		}
		serveSubmission(w, r, svc, p)
	})

	r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.StopGeneration(); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ResetContext(); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse(svc.Status())); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.CanAcceptPrompts() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if svc.ShouldQueuePrompts() {
			writeJSONError(w, http.StatusServiceUnavailable, "initializing")
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, "not ready")
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func engineParams(maxTokens int, temp, topP float64, topK int, stop []string, seed int, penalty float64) engine.Params {
	return engine.Params{
		Temperature:   float32(temp),
		TopP:          float32(topP),
		TopK:          topK,
		MaxTokens:     maxTokens,
		Stop:          stop,
		Seed:          seed,
		RepeatPenalty: float32(penalty),
	}
}

// serveSubmission routes a prompt through the coordinator and streams the
// result as NDJSON: a queued line when buffered, token lines, and a final
// done line.
func serveSubmission(w http.ResponseWriter, r *http.Request, svc Service, p coordinator.Prompt) {
	lvl := requestLogLevel(r)
	start := time.Now()
	// Join server base context with request context so shutdown cancels
	// in-flight work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	res, err := svc.Submit(ctx, p)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusTooManyRequests {
			incrementBackpressure(res.Reason)
		}
		writeJSONError(w, status, err.Error())
		if lvl >= LevelInfo {
			zlog.Info().Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("submit refused")
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)

	switch res.Outcome {
	case coordinator.OutcomeEnqueued, coordinator.OutcomeDropped:
		line := map[string]any{"queued": true, "id": res.ID, "position": res.Position}
		if res.EvictedID != "" {
			line["evicted_id"] = res.EvictedID
		}
		_ = enc.Encode(line)
		if flush != nil {
			flush()
		}
	}
	if lvl >= LevelInfo {
		rid := middleware.GetReqID(r.Context())
		zlog.Info().Str("outcome", res.Outcome.String()).Str("request_id", rid).Msg("submit accepted")
	}

	for ev := range res.Stream {
		switch ev.Kind {
		case engine.EventToken:
			_ = enc.Encode(map[string]string{"token": ev.Token})
		case engine.EventComplete:
			done := map[string]any{"done": true}
			if ev.Complete != nil {
				done["content"] = ev.Complete.Content
				done["finish_reason"] = ev.Complete.FinishReason
				done["usage"] = map[string]int{
					"prompt_tokens":     ev.Complete.Usage.PromptTokens,
					"completion_tokens": ev.Complete.Usage.CompletionTokens,
					"total_tokens":      ev.Complete.Usage.TotalTokens,
				}
			}
			_ = enc.Encode(done)
		case engine.EventError:
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			_ = enc.Encode(map[string]string{"error": ev.Err.Error()})
		}
		if flush != nil {
			flush()
		}
	}
	if lvl >= LevelInfo {
		zlog.Info().Dur("dur", time.Since(start)).Msg("submit end")
	}
}

func statusResponse(st coordinator.Status) types.StatusResponse {
	resp := types.StatusResponse{
		State:          string(st.State),
		Released:       st.Released,
		LastError:      st.LastError,
		UptimeSeconds:  int64(st.Uptime.Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		LlamaBuilt:     engine.LlamaBuilt(),
		Queue: types.QueueStats{
			Depth:           st.QueueLen,
			Enqueued:        st.Queue.Enqueued,
			Dequeued:        st.Queue.Dequeued,
			Expired:         st.Queue.Expired,
			Rejected:        st.Queue.Rejected,
			Dropped:         st.Queue.Dropped,
			Removed:         st.Queue.Removed,
			Cleared:         st.Queue.Cleared,
			Errors:          st.Queue.Errors,
			AvgProcessingMs: st.Queue.AverageProcessingTime.Milliseconds(),
			SuccessRate:     st.Queue.SuccessRate,
		},
	}
	for _, tr := range st.Transitions {
		t := types.Transition{
			From:     string(tr.From),
			To:       string(tr.To),
			Reason:   tr.Reason,
			TimeUnix: tr.Timestamp.Unix(),
		}
		if tr.Err != nil {
			t.Error = tr.Err.Error()
		}
		resp.Transitions = append(resp.Transitions, t)
	}
	return resp
}
