package httpapi

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/yourname/go-hitcounter/internal/config"
	"github.com/yourname/go-hitcounter/internal/core"
	"github.com/yourname/go-hitcounter/internal/metrics"
	"github.com/yourname/go-hitcounter/internal/render"
)

type Router struct {
	cfg     config.Config
	svc     *core.Service
	limiter *rateLimiter
}

func NewRouter(cfg config.Config, svc *core.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		// Rewrites RemoteAddr from the proxy headers; clientIP reads only RemoteAddr.
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		ev := hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", clientIP(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur)
		if key := r.URL.Query().Get("url"); key != "" {
			ev = ev.Str("key", key)
		}
		ev.Msg("request")
	}))
	r.Use(middleware.Recoverer)

	api := &Router{
		cfg:     cfg,
		svc:     svc,
		limiter: newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}

	r.MethodFunc(http.MethodGet, "/healthz", api.handleHealth)
	r.MethodFunc(http.MethodGet, "/readyz", api.handleReady)

	// Metrics
	r.MethodFunc(http.MethodGet, "/metrics", metrics.Handler)

	// Public endpoints
	r.Group(func(r chi.Router) {
		r.MethodFunc(http.MethodGet, "/", api.handleBadge)
		r.MethodFunc(http.MethodGet, "/badge", api.handleBadge)
		r.MethodFunc(http.MethodGet, "/api/version", api.handleVersion)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(api.requireAdmin)
		r.Get("/counters", api.handleList)
		r.Put("/counters", api.handleSetCount)
		r.Delete("/counters", api.handleRemove)
		r.Get("/counters/countries", api.handleCountries)
	})

	return r
}

func (rt *Router) handleBadge(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	ip := clientIP(r)
	if !rt.limiter.Allow(ip) {
		metrics.HitsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	if q.Has("chart") {
		rt.serveChart(w, r, q)
		return
	}

	key := q.Get("url")
	total, err := rt.svc.RecordHit(r.Context(), key, ip)
	if err != nil {
		writeError(w, r, err)
		return
	}

	badge := render.NewBadge(q.Get("title"), q.Get("title_bg"), q.Get("count_bg"), core.FormatCompact(total))
	var (
		buf    bytes.Buffer
		format = "svg"
	)
	if strings.EqualFold(q.Get("format"), "html") {
		format = "html"
		badge.ChartURL = rt.chartURL(r, key)
		err = badge.HTML(&buf)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	} else {
		err = badge.SVG(&buf)
		w.Header().Set("Content-Type", "image/svg+xml")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.BadgeRenders.WithLabelValues(format).Inc()
	w.Write(buf.Bytes())
}

// serveChart never records a hit.
func (rt *Router) serveChart(w http.ResponseWriter, r *http.Request, q url.Values) {
	typ, err := render.ParseChartType(q.Get("type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	since := chartWindow(q.Get("days"), rt.svc.Retention())

	load := rt.svc.DailyAggregate
	if typ.Dense() {
		load = rt.svc.DenseDaily
	}
	points, err := load(r.Context(), q.Get("url"), since)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := render.Chart(&buf, typ, points); err != nil {
		writeError(w, r, err)
		return
	}
	metrics.ChartRenders.WithLabelValues(string(typ)).Inc()
	w.Header().Set("Content-Type", typ.ContentType())
	w.Write(buf.Bytes())
}

// chartWindow turns the days parameter into an aggregate window no longer
// than retention. Zero means the whole retention window.
func chartWindow(days string, retention time.Duration) time.Duration {
	n, err := strconv.Atoi(days)
	if err != nil || n <= 0 {
		return 0
	}
	if maxDays := int(retention / (24 * time.Hour)); n > maxDays {
		return retention
	}
	return time.Duration(n) * 24 * time.Hour
}

func (rt *Router) chartURL(r *http.Request, key string) string {
	base := strings.TrimRight(rt.cfg.BaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || (rt.cfg.TrustProxy && r.Header.Get("X-Forwarded-Proto") == "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/?url=" + url.QueryEscape(strings.TrimSpace(key)) + "&chart"
}

type versionResp struct {
	Version string `json:"version"`
	IP      string `json:"ip"`
	Country string `json:"country"`
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	writeJSON(w, versionResp{
		Version: rt.cfg.Version,
		IP:      ip,
		Country: rt.svc.Classify(r.Context(), ip),
	}, http.StatusOK)
}

// requireAdmin answers exactly like an unknown route unless the token matches.
func (rt *Router) requireAdmin(next http.Handler) http.Handler {
	want := []byte(rt.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	counters, err := rt.svc.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, counters, http.StatusOK)
}

type setCountReq struct {
	URL   string `json:"url"`
	Count *int64 `json:"count"`
}

func (rt *Router) handleSetCount(w http.ResponseWriter, r *http.Request) {
	var req setCountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Count == nil {
		writeError(w, r, core.ErrInvalidCount)
		return
	}
	if err := rt.svc.SetCount(r.Context(), req.URL, *req.Count); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, req, http.StatusOK)
}

func (rt *Router) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.RemoveAll(r.Context(), r.URL.Query().Get("url")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type countriesResp struct {
	URL       string           `json:"url"`
	Countries map[string]int64 `json:"countries"`
}

func (rt *Router) handleCountries(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("url")
	countries, err := rt.svc.Countries(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, countriesResp{URL: strings.TrimSpace(key), Countries: countries}, http.StatusOK)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, "ok", http.StatusOK)
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("store not ready")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeText(w, "ready", http.StatusOK)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidKey),
		errors.Is(err, core.ErrExcludedKey),
		errors.Is(err, core.ErrInvalidCount),
		errors.Is(err, render.ErrInvalidChartType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func writeText(w http.ResponseWriter, body string, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

// clientIP is the peer address. Proxy headers count only when TrustProxy put
// middleware.RealIP in front, which rewrites RemoteAddr to a bare IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
