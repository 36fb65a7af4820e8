// Package upstream is the client for the remote imagery backend: resolving a
// mosaic's URL template and fetching individual encoded tiles from it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/observability"
)

// Client fetches mosaic URL templates and tile bytes from the imagery
// backend over plain buffered HTTP requests; there is no streaming path here
// because every response is a single PNG small enough to hold in memory.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a Client against baseURL with the given per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// ResolveMosaic asks the imagery backend to build (or return an existing)
// mosaic for mk, returning the XYZ URL template to fetch tiles from.
func (c *Client) ResolveMosaic(ctx context.Context, mk model.MosaicKey) (urlTemplate string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mosaics/resolve", nil)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "build mosaic resolve request", err)
	}
	q := req.URL.Query()
	q.Set("layer", string(mk.Layer))
	q.Set("period", string(mk.Period))
	q.Set("year", strconv.Itoa(mk.Year))
	if mk.Period == model.PeriodMonth {
		q.Set("month", strconv.Itoa(mk.Month))
	}
	q.Set("visparam", mk.VisParam)
	req.URL.RawQuery = q.Encode()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency(string(mk.Layer), time.Since(start).Seconds())

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, body)
	}
	return strings.TrimSpace(string(body)), nil
}

// FetchTile downloads the encoded tile bytes for (z, x, y) from a resolved
// URL template of the form ".../{z}/{x}/{y}.png".
func (c *Client) FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error) {
	url := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(urlTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "build tile fetch request", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("tile", time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamTransient, "read tile body", err)
	}
	return data, nil
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.Timeout, "upstream request timed out", err)
	}
	return apierr.Wrap(apierr.UpstreamTransient, "upstream request failed", err)
}

func classifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("upstream status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusNotFound:
		return apierr.New(apierr.NotFound, msg)
	case status == http.StatusTooManyRequests:
		return apierr.New(apierr.Throttled, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apierr.New(apierr.Timeout, msg)
	case status >= 500:
		return apierr.New(apierr.UpstreamTransient, msg)
	case status >= 400:
		return apierr.New(apierr.UpstreamPermanent, msg)
	default:
		return apierr.New(apierr.Internal, msg)
	}
}
