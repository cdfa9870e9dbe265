package coordinator

import (
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/metrics"
)

// dispatchFailure is the only text a client sees when a proxied exchange
// fails.
const dispatchFailure = "internal server error"

// Hop-by-hop headers are meaningful only for a single connection and are not
// forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// WithDispatcherMetrics makes the dispatcher count proxied requests.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTransport replaces the transport used for upstream requests.
func WithTransport(rt http.RoundTripper) DispatcherOption {
	return func(d *Dispatcher) {
		d.client.Transport = rt
	}
}

// Dispatcher is the public entry point of the fleet. It forwards every
// request to one worker, choosing workers in strict rotation, and relays the
// worker's response unchanged.
//
// Worker health is not considered: a dead worker stays in rotation and every
// request sent to it fails with 500. Failed requests are never retried.
type Dispatcher struct {
	targets []*url.URL
	// next is the 1-based index of the worker that receives the next
	// request.
	next    *atomic.Int64
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher over the given worker base URLs;
// targets[i] is the worker with index i+1.
func NewDispatcher(targets []string, opts ...DispatcherOption) (*Dispatcher, error) {
	if len(targets) == 0 {
		return nil, errors.New("dispatcher needs at least one worker")
	}
	d := &Dispatcher{
		targets: make([]*url.URL, len(targets)),
		next:    atomic.NewInt64(1),
		client: &http.Client{
			// Redirects belong to the client, not to the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: zap.NewNop(),
	}
	for i, t := range targets {
		u, err := url.Parse(t)
		if err != nil {
			return nil, errors.Wrapf(err, "worker %d address", i+1)
		}
		d.targets[i] = u
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Size returns the number of workers in rotation.
func (d *Dispatcher) Size() int {
	return len(d.targets)
}

// pick returns the worker index for this request and advances the cursor,
// wrapping from N back to 1.
func (d *Dispatcher) pick() int {
	n := int64(len(d.targets))
	for {
		cur := d.next.Load()
		nxt := cur + 1
		if cur >= n {
			nxt = 1
		}
		if d.next.CompareAndSwap(cur, nxt) {
			return int(cur)
		}
	}
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	index := d.pick()
	err := d.forward(w, r, d.targets[index-1])
	d.metrics.Dispatched(index, err)
	if err != nil {
		d.log.Warn("dispatch failed",
			zap.Int("worker", index),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
}

// forward relays one exchange. The request body streams to the worker as it
// arrives and the response body streams back the same way.
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, target *url.URL) error {
	upstream := *target
	upstream.Path = r.URL.Path
	upstream.RawPath = r.URL.RawPath
	upstream.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, upstream.String(), r.Body)
	if err != nil {
		http.Error(w, dispatchFailure, http.StatusInternalServerError)
		return errors.Wrap(err, "build upstream request")
	}
	out.ContentLength = r.ContentLength
	out.Header = r.Header.Clone()
	out.Host = r.Host
	removeHopHeaders(out.Header)

	resp, err := d.client.Do(out)
	if err != nil {
		http.Error(w, dispatchFailure, http.StatusInternalServerError)
		return errors.Wrap(err, "upstream request")
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(header)
	w.WriteHeader(resp.StatusCode)

	// The status line is already sent; a failure here can only cut the body
	// short.
	if _, err := io.Copy(w, resp.Body); err != nil {
		return errors.Wrap(err, "relay response body")
	}
	return nil
}

// removeHopHeaders drops the fixed hop-by-hop set and any header named by a
// Connection token.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = textproto.TrimString(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
