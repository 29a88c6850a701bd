package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"chatd/internal/generate"
	"chatd/internal/metrics"
	"chatd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error)
	Ready() bool
}

// NewMux builds the primary router: /chat, /metrics and the probes.
func NewMux(svc Service, rec *metrics.Recorder) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware)
	}
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/chat", chatHandler(svc))

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		body, ct, err := rec.Snapshot()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	MountSwagger(r)
	return r
}

// NewMetricsMux serves the exposition format for the background metrics
// listener, on /metrics and on every other path.
func NewMetricsMux(rec *metrics.Recorder) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h := rec.Handler()
	r.Method(http.MethodGet, "/metrics", h)
	r.NotFound(h.ServeHTTP)
	return r
}

// chatHandler godoc
// @Summary      Generate a continuation
// @Description  Continues the prompt with the loaded causal language model.
// @Tags         chat
// @Accept       json
// @Produce      json
// @Param        request  body      types.ChatRequest  true  "Prompt"
// @Success      200      {object}  types.ChatResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Failure      500      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /chat [post]
func chatHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lvl := requestLogLevel(r)

		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			logChatEnd(r, lvl, http.StatusUnsupportedMediaType, start, errors.New("unsupported content type"))
			return
		}
		body := io.Reader(r.Body)
		if maxBodyBytes > 0 {
			body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		// A missing prompt decodes as the empty string. The body itself must
		// be a JSON object; a bare null leaves req nil.
		var req *types.ChatRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil || req == nil {
			if err == nil {
				err = errors.New("body is null")
			}
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			logChatEnd(r, lvl, http.StatusBadRequest, start, err)
			return
		}

		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		resp, err := svc.Chat(ctx, *req)
		if err != nil {
			// If context was canceled (client disconnect), just return.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				logChatEnd(r, lvl, 499, start, err)
				return
			}
			status := statusFor(err)
			writeJSONError(w, status, err.Error())
			logChatEnd(r, lvl, status, start, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logChatEnd(r, lvl, http.StatusInternalServerError, start, err)
			return
		}
		logChatEnd(r, lvl, http.StatusOK, start, nil)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case generate.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
