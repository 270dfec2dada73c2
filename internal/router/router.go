// Package router decides, per request, whether a request is forwarded to
// the companion or handed to the application, and performs the forwarding.
package router

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.olrik.dev/frontman/internal/inject"
)

// URISource yields the companion's base URI, or "" when it is unreachable.
type URISource interface {
	URI() string
}

// Options configures a Router.
type Options struct {
	// Endpoints are the path prefixes routed to the companion.
	Endpoints []string
	// Upstream is read on every request.
	Upstream URISource
	// Secret identifies requests coming back from the companion.
	Secret string

	// DumpTraffic mirrors forwarded exchanges to DumpSink (stderr if nil).
	DumpTraffic bool
	DumpSink    io.Writer

	// Transport performs the forwarded round trip. Nil uses a clone of
	// http.DefaultTransport.
	Transport http.RoundTripper

	Logger  *slog.Logger
	Metrics *Metrics
}

// Router is the request interceptor placed in front of the application.
type Router struct {
	endpoints []string
	upstream  URISource
	secret    []byte
	transport http.RoundTripper
	dump      *dumper
	logger    *slog.Logger
	metrics   *Metrics
}

// New creates a router.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	rt := &Router{
		endpoints: append([]string(nil), opts.Endpoints...),
		upstream:  opts.Upstream,
		secret:    []byte(opts.Secret),
		transport: opts.Transport,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if opts.DumpTraffic {
		sink := opts.DumpSink
		if sink == nil {
			sink = os.Stderr
		}
		rt.dump = newDumper(sink)
	}
	return rt
}

// Middleware wraps next; requests that are not forwarded reach it unchanged.
func (rt *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := ""
		if rt.upstream != nil {
			base = rt.upstream.URI()
		}
		if base == "" {
			rt.metrics.decided(decisionNoUpstream)
			next.ServeHTTP(w, r)
			return
		}

		prefix, ok := Match(rt.endpoints, r.URL.Path)
		if !ok {
			rt.metrics.decided(decisionNoMatch)
			next.ServeHTTP(w, r)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			rt.metrics.decided(decisionMethod)
			next.ServeHTTP(w, r)
			return
		}

		if rt.trusted(r) {
			rt.metrics.decided(decisionTrusted)
			next.ServeHTTP(w, r)
			return
		}

		rt.metrics.decided(decisionForwarded)
		rt.forward(w, r, base, prefix)
	})
}

// trusted reports whether r carries the shared secret.
func (rt *Router) trusted(r *http.Request) bool {
	got := r.Header.Get(inject.TrustHeader)
	if got == "" || len(rt.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), rt.secret) == 1
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, base, prefix string) {
	start := time.Now()

	target := base + prefix
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var ex *exchange
	if rt.dump != nil {
		ex = rt.dump.begin()
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
		if ex != nil {
			body = io.TeeReader(r.Body, ex.body(">"))
		}
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		rt.fail(w, r, ex, err)
		return
	}
	out.ContentLength = r.ContentLength
	out.Host = r.Host
	copyHeaders(out.Header, r.Header)
	removeHopByHopHeaders(out.Header)
	out.Header.Del(inject.TrustHeader)
	setForwardedHeaders(out, r)

	if ex != nil {
		ex.request(out, target)
	}

	resp, err := rt.transport.RoundTrip(out)
	if err != nil {
		rt.fail(w, r, ex, err)
		return
	}
	defer resp.Body.Close()

	if ex != nil {
		ex.response(resp)
	}

	removeHopByHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	announced := len(resp.Trailer)
	if announced > 0 {
		keys := make([]string, 0, announced)
		for k := range resp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Add("Trailer", strings.Join(keys, ", "))
	}
	w.WriteHeader(resp.StatusCode)

	var src io.Reader = resp.Body
	if ex != nil {
		src = io.TeeReader(resp.Body, ex.body("<"))
	}
	if err := streamBody(w, src); err != nil && r.Context().Err() == nil {
		rt.logger.Debug("Forwarded response copy ended early", "path", r.URL.Path, "error", err)
	}
	copyTrailers(w.Header(), resp.Trailer, announced)

	rt.metrics.forwarded(prefix, time.Since(start))
}

// fail answers a forwarded request whose round trip could not complete.
func (rt *Router) fail(w http.ResponseWriter, r *http.Request, ex *exchange, err error) {
	rt.metrics.forwardFailed()
	if ex != nil {
		ex.failed(err)
	}
	rt.logger.Warn("Failed to forward request to companion", "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
}

// streamBody copies src to w, flushing after every chunk so nothing is held
// back waiting for the full body.
func streamBody(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// copyTrailers sets the upstream trailers once the body has been read.
// Trailers that were not announced before the header was written need the
// TrailerPrefix form.
func copyTrailers(dst, trailer http.Header, announced int) {
	if len(trailer) == announced {
		copyHeaders(dst, trailer)
		return
	}
	for key, values := range trailer {
		for _, value := range values {
			dst.Add(http.TrailerPrefix+key, value)
		}
	}
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders removes headers that apply to a single connection.
func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func setForwardedHeaders(out, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		out.Header.Set("X-Forwarded-Proto", proto)
	}
	if out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
}
