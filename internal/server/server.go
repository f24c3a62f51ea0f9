// Package server exposes the diagnostic engine and the reference datasets
// over HTTP. Diagnose traffic is rate limited per client and answered from
// the result cache when possible; dataset lookups echo matching rows back
// in the dataset's own CSV shape.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scamadvisory/mailrisk/internal/cache"
	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/logging"
	"github.com/scamadvisory/mailrisk/internal/lookup"
	"github.com/scamadvisory/mailrisk/internal/metrics"
	"github.com/scamadvisory/mailrisk/internal/rate"
	"github.com/scamadvisory/mailrisk/internal/resolve"
)

// Diagnoser runs one end-to-end diagnostic.
type Diagnoser interface {
	Run(ctx context.Context, email string, verbose bool) (*diag.Result, error)
}

// Server holds the service dependencies. Cache, Limiter and the dataset
// tables are optional; a nil table turns its endpoint into a 503.
type Server struct {
	Engine      Diagnoser
	Cache       cache.Interface
	Limiter     *rate.PerKey
	Countries   *lookup.Table
	CountryPath string
	Numbers     *lookup.Table
	NumberPath  string
	Log         *logging.Logger
}

// Routes builds the service router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/diagnose", s.handleDiagnose)
		r.Post("/diagnose", s.handleDiagnose)
	})
	r.Get("/countrycode/{code}", s.handleCountryCode)
	r.Get("/num/{number}", s.handleNumber)
	r.Get("/routes", s.handleRoutes)
	return r
}

// observe records per-route request counts and an access log line.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.Log.Debugw("request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter != nil && !s.Limiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets rate limiting by client address. RealIP has already
// folded X-Forwarded-For into RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type diagnoseRequest struct {
	Email   string `json:"email"`
	Verbose bool   `json:"verbose"`
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var email string
	var verbose bool
	if r.Method == http.MethodPost {
		var req diagnoseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		email, verbose = req.Email, req.Verbose
	} else {
		q := r.URL.Query()
		email = q.Get("email")
		v := q.Get("verbose")
		verbose = v == "1" || strings.EqualFold(v, "true")
	}

	email = strings.TrimSpace(email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing email")
		return
	}

	key := cacheKey(email, verbose)
	if s.Cache != nil {
		if res, ok := s.Cache.Get(r.Context(), key); ok {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	res, err := s.Engine.Run(r.Context(), email, verbose)
	if err != nil {
		if errors.Is(err, resolve.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Log.Errorw("diagnose failed", "email", email, "err", err)
		writeError(w, http.StatusInternalServerError, "diagnostic failed")
		return
	}
	if s.Cache != nil {
		s.Cache.Set(r.Context(), key, res)
	}
	writeJSON(w, http.StatusOK, res)
}

func cacheKey(email string, verbose bool) string {
	if verbose {
		return email + "|v"
	}
	return email
}

func (s *Server) handleCountryCode(w http.ResponseWriter, r *http.Request) {
	s.serveDataset(w, s.Countries, "country dataset", chi.URLParam(r, "code"), "code")
}

func (s *Server) handleNumber(w http.ResponseWriter, r *http.Request) {
	s.serveDataset(w, s.Numbers, "number dataset", chi.URLParam(r, "number"), "number")
}

func (s *Server) serveDataset(w http.ResponseWriter, t *lookup.Table, name, value, kind string) {
	if t == nil {
		writeError(w, http.StatusServiceUnavailable, name+" not loaded")
		return
	}
	rows := t.Match(value)
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no match for %s %q", kind, value))
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if err := t.WriteCSV(w, rows); err != nil {
		s.Log.Errorw("dataset render failed", "dataset", name, "err", err)
	}
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"country_csv_path": s.CountryPath,
		"num_csv_path":     s.NumberPath,
		"routes": map[string]string{
			"diagnose":           "/v1/diagnose?email=<address>&verbose=1",
			"countrycode_lookup": "/countrycode/<code>  (code like +44 | 44 | 0044)",
			"number_lookup":      "/num/<number>  (number like +447..., 447..., or 00447...)",
		},
		"notes": []string{
			"country dataset is comma-separated with a 'Phone Code' column",
			"number dataset is semicolon-separated with a 'PhoneNumber' column",
			"matching is exact after normalization (strip +/00 and non-digits)",
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
