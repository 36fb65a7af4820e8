package tileengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/observability"
)

const routeLabel = "/api/layers/{layer}/{x}/{y}/{z}"

// Handler returns the tile endpoint's http.HandlerFunc: `GET
// /api/layers/{layer}/{x}/{y}/{z}?period=...&year=...&month=...&visparam=...`
// per spec §6, mapping apierr.Kind to the status codes §7 assigns and
// stamping Cache-Control/X-Cache/ETag on every 200.
func Handler(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		req, err := parseTileRequest(r)
		if err != nil {
			writeError(sw, err)
			observability.ObserveHTTP(r.Method, routeLabel, sw.code, time.Since(start).Seconds())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), e.cfg.RequestDeadline)
		defer cancel()

		result, err := e.Fetch(ctx, clientIdentity(r), req)
		if err != nil {
			writeError(sw, err)
			observability.ObserveHTTP(r.Method, routeLabel, sw.code, time.Since(start).Seconds())
			return
		}

		if inm := r.Header.Get("If-None-Match"); inm != "" && inm == result.ETag {
			sw.Header().Set("ETag", result.ETag)
			sw.WriteHeader(http.StatusNotModified)
			observability.ObserveHTTP(r.Method, routeLabel, sw.code, time.Since(start).Seconds())
			return
		}

		sw.Header().Set("Content-Type", "image/png")
		sw.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(e.cfg.BlobTTL/time.Second)))
		sw.Header().Set("X-Cache", result.CacheStatus)
		sw.Header().Set("ETag", result.ETag)
		sw.WriteHeader(http.StatusOK)
		_, _ = sw.Write(result.Body)
		observability.ObserveHTTP(r.Method, routeLabel, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func parseTileRequest(r *http.Request) (model.TileRequest, error) {
	layer := chi.URLParam(r, "layer")
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	if errX != nil || errY != nil || errZ != nil {
		return model.TileRequest{}, apierr.New(apierr.BadRequest, "x, y and z must be integers")
	}

	q := r.URL.Query()
	period := model.Period(strings.ToUpper(strings.TrimSpace(q.Get("period"))))
	visparam := strings.TrimSpace(q.Get("visparam"))
	if visparam == "" {
		return model.TileRequest{}, apierr.New(apierr.BadRequest, "visparam is required")
	}

	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		return model.TileRequest{}, apierr.New(apierr.BadRequest, "year must be an integer")
	}

	month := 0
	if raw := q.Get("month"); raw != "" {
		month, err = strconv.Atoi(raw)
		if err != nil {
			return model.TileRequest{}, apierr.New(apierr.BadRequest, "month must be an integer")
		}
	}

	return model.TileRequest{
		Layer:    model.Layer(layer),
		Z:        z,
		X:        x,
		Y:        y,
		Period:   period,
		Year:     year,
		Month:    month,
		VisParam: visparam,
	}, nil
}

// clientIdentity derives the edge limiter's per-client key: an explicit
// X-Client-ID header if the caller supplies one (e.g. a trusted internal
// consumer), otherwise the request's source IP.
func clientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	if kind == apierr.Internal && errors.Is(err, context.DeadlineExceeded) {
		kind = apierr.Timeout
	}
	status := statusFor(kind)
	if kind == apierr.Throttled {
		retryAfter := time.Second
		if ra, ok := apierr.RetryAfterOf(err); ok {
			retryAfter = ra
		}
		seconds := int(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			seconds++
		}
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.BadRequest:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Throttled:
		return http.StatusTooManyRequests
	case apierr.Unauthorized:
		return http.StatusUnauthorized
	case apierr.Forbidden:
		return http.StatusForbidden
	case apierr.UpstreamTransient, apierr.UpstreamPermanent:
		return http.StatusBadGateway
	case apierr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
