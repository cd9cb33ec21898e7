package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// HandleFunctionURL serves a Lambda function URL invocation configured with
// the RESPONSE_STREAM invoke mode. The request goes through the same routes
// as the HTTP server; the body is piped back to Lambda as it is written.
func (h *Handler) HandleFunctionURL(ctx context.Context, event events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req, err := newHTTPRequest(ctx, event)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	rw := newPipeResponseWriter(pw)
	routes := h.Routes()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				_ = pw.CloseWithError(fmt.Errorf("handler: panic: %v", rec))
				rw.commit(http.StatusInternalServerError)
				return
			}
			_ = pw.Close()
		}()
		routes.ServeHTTP(rw, req)
		rw.commit(http.StatusOK)
	}()

	select {
	case <-rw.ready:
	case <-ctx.Done():
		_ = pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: rw.status,
		Headers:    flattenHeader(rw.committed),
		Body:       pr,
	}, nil
}

func newHTTPRequest(ctx context.Context, event events.LambdaFunctionURLRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode base64 body: %w", err)
		}
		body = decoded
	}

	target := event.RawPath
	if target == "" {
		target = "/"
	}
	if event.RawQueryString != "" {
		target += "?" + event.RawQueryString
	}

	method := event.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range event.Headers {
		req.Header.Set(k, v)
	}
	req.RemoteAddr = event.RequestContext.HTTP.SourceIP
	return req, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ",")
	}
	return out
}

// pipeResponseWriter adapts an io.Pipe to http.ResponseWriter. Status and
// headers are captured on the first write; ready is closed at that point.
type pipeResponseWriter struct {
	pw     *io.PipeWriter
	header http.Header
	ready  chan struct{}

	once      sync.Once
	status    int
	committed http.Header
}

func newPipeResponseWriter(pw *io.PipeWriter) *pipeResponseWriter {
	return &pipeResponseWriter{pw: pw, header: make(http.Header), ready: make(chan struct{})}
}

func (p *pipeResponseWriter) Header() http.Header {
	return p.header
}

func (p *pipeResponseWriter) WriteHeader(status int) {
	p.commit(status)
}

func (p *pipeResponseWriter) Write(b []byte) (int, error) {
	p.commit(http.StatusOK)
	return p.pw.Write(b)
}

// Flush is a no-op: pipe writes block until Lambda has read them.
func (p *pipeResponseWriter) Flush() {}

func (p *pipeResponseWriter) commit(status int) {
	p.once.Do(func() {
		p.status = status
		p.committed = p.header.Clone()
		close(p.ready)
	})
}
