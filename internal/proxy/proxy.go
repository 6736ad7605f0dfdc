// Package proxy forwards admitted requests to their resolved upstream,
// preserving method, headers and body, and streaming the response back.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/strategy"
	"github.com/hestia-gateway/hestia/internal/utils"
)

// hop-by-hop headers are stripped in both directions. Proxy-* headers are
// handled by prefix.
var hopByHop = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// Proxy is the forwarding engine. The transport is shared; per-request
// deadlines come from the service configuration.
type Proxy struct {
	transport http.RoundTripper
	tracker   *strategy.HealthTracker
	logger    logger.Logger
	metrics   *metrics.Collector
}

func New(transport http.RoundTripper, tracker *strategy.HealthTracker, log logger.Logger, collector *metrics.Collector) *Proxy {
	if transport == nil {
		transport = defaultTransport()
	}
	return &Proxy{
		transport: transport,
		tracker:   tracker,
		logger:    log,
		metrics:   collector,
	}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // per-request ctx carries the deadline
	}
}

// Forward proxies r to target. next, when non-nil, supplies an alternate
// upstream for the single idempotent retry. It returns the status code
// written to the client, or an error when nothing was written (the caller
// maps that to 502).
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, serviceID string, target *url.URL, timeout time.Duration, next func(exclude string) (*url.URL, bool)) (int, error) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	started := time.Now()
	resp, upstreamOrigin, err := p.exchange(ctx, r, serviceID, target, next)
	if err != nil {
		return 0, err
	}
	defer utils.Close(resp.Body)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	written := stream(w, resp.Body)

	p.metrics.IncService(serviceID, "proxied_requests")
	p.metrics.ObserveService(serviceID, "proxy_duration", time.Since(started))
	p.logger.Debug("proxied request",
		logger.String("service_id", serviceID),
		logger.String("upstream", upstreamOrigin),
		logger.Int("status", resp.StatusCode),
		logger.Int64("bytes", written))

	return resp.StatusCode, nil
}

// exchange performs the upstream round trip, applying the at-most-one
// retry policy for idempotent methods.
func (p *Proxy) exchange(ctx context.Context, r *http.Request, serviceID string, target *url.URL, next func(exclude string) (*url.URL, bool)) (*http.Response, string, error) {
	out, err := p.buildOutbound(ctx, r, target)
	if err != nil {
		return nil, "", err
	}
	origin := originOf(target)

	resp, err := p.transport.RoundTrip(out)
	if err == nil && resp.StatusCode < 500 {
		if resp.StatusCode < 400 {
			p.tracker.MarkSuccess(origin)
		}
		return resp, origin, nil
	}

	// Transport error or >=500: report and consider one retry.
	p.tracker.MarkFailure(origin)
	p.metrics.IncService(serviceID, "upstream_errors")

	if !p.canRetry(r, next) {
		if err != nil {
			return nil, "", err
		}
		return resp, origin, nil
	}
	alt, ok := next(origin)
	if !ok {
		if err != nil {
			return nil, "", err
		}
		return resp, origin, nil
	}
	if resp != nil {
		// Discard the failed response before retrying.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		utils.Close(resp.Body)
	}

	p.logger.Info("retrying against alternate upstream",
		logger.String("service_id", serviceID),
		logger.String("failed", origin),
		logger.String("alternate", originOf(alt)))
	p.metrics.IncService(serviceID, "proxy_retries")

	retryTarget := *alt
	retryTarget.Path = target.Path
	retryTarget.RawQuery = target.RawQuery
	out, err = p.buildOutbound(ctx, r, &retryTarget)
	if err != nil {
		return nil, "", err
	}
	altOrigin := originOf(alt)

	resp, err = p.transport.RoundTrip(out)
	if err != nil {
		p.tracker.MarkFailure(altOrigin)
		return nil, "", err
	}
	if resp.StatusCode >= 500 {
		p.tracker.MarkFailure(altOrigin)
	} else if resp.StatusCode < 400 {
		p.tracker.MarkSuccess(altOrigin)
	}
	return resp, altOrigin, nil
}

// canRetry enforces the retry policy: idempotent method, replayable body,
// and an alternate upstream available.
func (p *Proxy) canRetry(r *http.Request, next func(exclude string) (*url.URL, bool)) bool {
	if next == nil {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	// A consumed streaming body cannot be replayed without buffering the
	// payload, which the streaming contract forbids.
	return r.ContentLength == 0 || r.GetBody != nil
}

func (p *Proxy) buildOutbound(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	body := r.Body
	if r.GetBody != nil {
		replay, err := r.GetBody()
		if err == nil {
			body = replay
		}
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	out.Host = target.Host
	return out, nil
}

// copyHeaders copies all non-hop-by-hop headers, including any named by
// the Connection header. Host is never copied; the outbound authority is
// set explicitly.
func copyHeaders(dst, src http.Header) {
	dropped := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if name != "" {
				dropped[name] = struct{}{}
			}
		}
	}

	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, hop := hopByHop[canonical]; hop {
			continue
		}
		if _, hop := dropped[canonical]; hop {
			continue
		}
		if strings.HasPrefix(canonical, "Proxy-") {
			continue
		}
		if canonical == "Host" {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

// stream copies the response body to the client, flushing as bytes arrive
// so the client sees output before end-of-body.
func stream(w http.ResponseWriter, body io.Reader) int64 {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return written
		}
	}
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
