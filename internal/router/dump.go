package router

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// dumper mirrors forwarded exchanges to a diagnostic sink. Every line is
// tagged with the exchange id and a direction marker so interleaved
// exchanges can be told apart. Write errors are ignored.
type dumper struct {
	mu   sync.Mutex
	sink io.Writer
}

func newDumper(sink io.Writer) *dumper {
	return &dumper{sink: sink}
}

// exchange is one forwarded request/response pair.
type exchange struct {
	d  *dumper
	id string
}

func (d *dumper) begin() *exchange {
	return &exchange{d: d, id: uuid.NewString()}
}

func (d *dumper) write(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	io.WriteString(d.sink, s)
}

func (e *exchange) request(r *http.Request, target string) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] > %s %s -> %s\n", e.id, r.Method, r.URL.RequestURI(), target)
	writeHeaders(&b, e.id, ">", r.Header)
	e.d.write(b.String())
}

func (e *exchange) response(resp *http.Response) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] < %s\n", e.id, resp.Status)
	writeHeaders(&b, e.id, "<", resp.Header)
	e.d.write(b.String())
}

func (e *exchange) failed(err error) {
	e.d.write(fmt.Sprintf("[%s] ! %v\n", e.id, err))
}

// body returns a writer that mirrors body bytes in the given direction.
// It never reports an error so it can sit behind io.TeeReader.
func (e *exchange) body(direction string) io.Writer {
	return bodyWriter{e: e, direction: direction}
}

type bodyWriter struct {
	e         *exchange
	direction string
}

func (w bodyWriter) Write(p []byte) (int, error) {
	w.e.d.write(fmt.Sprintf("[%s] %s %q\n", w.e.id, w.direction, p))
	return len(p), nil
}

func writeHeaders(b *strings.Builder, id, direction string, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(b, "[%s] %s %s: %s\n", id, direction, k, v)
		}
	}
}
