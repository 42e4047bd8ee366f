package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"telemetry-service/internal/cursor"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/ratelimit"
	"telemetry-service/internal/store"
	"telemetry-service/pkg/apperrors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Devices POST well under this; anything bigger is not telemetry.
const maxBodyBytes = 256_000

const (
	headerDeviceKey = "X-GREENBRO-DEVICE-KEY"
	headerSignature = "X-GREENBRO-SIGNATURE"
	headerTimestamp = "X-GREENBRO-TIMESTAMP"
)

type Server struct {
	repo    *store.Repo
	ingest  *ingest.Service
	codec   *cursor.Codec
	limiter ratelimit.AddressLimiter

	allowedOrigins []string
	carryCeilingMs int64
}

func NewServer(repo *store.Repo, ing *ingest.Service, codec *cursor.Codec, limiter ratelimit.AddressLimiter, allowedOrigins []string, carryCeilingMs int64) *Server {
	return &Server{
		repo:           repo,
		ingest:         ing,
		codec:          codec,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		carryCeilingMs: carryCeilingMs,
	}
}

func (s *Server) Routes(pubKey *rsa.PublicKey) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	// Device-facing ingest surface: CORS for configured origins only, then
	// the address bucket before any body handling. With no configured origins
	// the CORS middleware is not mounted at all, so preflights answer without
	// Access-Control headers and browsers refuse the call.
	r.Group(func(r chi.Router) {
		if len(s.allowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:     s.allowedOrigins,
				AllowedMethods:     []string{"POST", "OPTIONS"},
				AllowedHeaders:     []string{"Content-Type", headerDeviceKey, headerSignature, headerTimestamp},
				MaxAge:             600,
				OptionsPassthrough: true,
			}))
		}
		r.Use(s.addressLimit)
		r.Post("/api/ingest/{profile}", s.handleIngest(ingest.RouteIngest))
		r.Post("/api/heartbeat/{profile}", s.handleIngest(ingest.RouteHeartbeat))
		// The cors middleware sets the Access-Control headers and passes the
		// preflight through; these terminate it with 204.
		r.Options("/api/ingest/{profile}", handlePreflight)
		r.Options("/api/heartbeat/{profile}", handlePreflight)
	})

	// Dashboard-facing read surface behind the identity resolver.
	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(pubKey))
		r.Get("/api/telemetry/series", s.handleSeries)
		r.Get("/api/telemetry/latest", s.handleLatest)
	})

	return r
}

// addressLimit is the cheapest rejection: it runs before the body is read.
// Limiter backend failures reject with a short retry rather than admitting.
func (s *Server) addressLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Preflights carry no payload and never spend the bucket.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		route := routeLabel(r.URL.Path)
		d, err := s.limiter.Allow(route, ratelimit.KeyByIP(r))
		if err != nil {
			apperrors.WriteError(w, apperrors.RateLimited("rate limiter unavailable", 1))
			return
		}
		if !d.Allowed {
			apperrors.WriteError(w, apperrors.RateLimited("rate limit exceeded", int(d.RetryAfter.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/heartbeat/") {
		return ingest.RouteHeartbeat
	}
	return ingest.RouteIngest
}

func (s *Server) handleIngest(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, appErr := readBody(w, r)
		var deviceID string
		if appErr == nil {
			deviceID, appErr = s.ingest.Handle(r.Context(), ingest.Request{
				Route:     route,
				Profile:   chi.URLParam(r, "profile"),
				Body:      body,
				DeviceKey: r.Header.Get(headerDeviceKey),
				Signature: r.Header.Get(headerSignature),
				Timestamp: r.Header.Get(headerTimestamp),
			})
		}

		status := http.StatusOK
		if appErr != nil {
			status = appErr.Code
		}
		s.logRequest(r, route, deviceID, status)

		if appErr != nil {
			apperrors.WriteError(w, appErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// logRequest feeds the per-device window limiters; its own failures never
// affect the response.
func (s *Server) logRequest(r *http.Request, route, deviceID string, status int) {
	entry := &store.RequestLogEntry{
		Route:      route,
		DeviceID:   deviceID,
		RemoteAddr: ratelimit.KeyByIP(r),
		Status:     status,
	}
	if err := s.repo.LogRequest(r.Context(), entry); err != nil {
		slog.Error("request log insert failed", "route", route, "device_id", deviceID, "error", err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, *apperrors.AppError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.PayloadTooLarge("payload too large")
		}
		return nil, apperrors.BadRequest("could not read body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
