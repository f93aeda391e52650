package otelobs

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHTTPHandler decorates the handler with otelhttp to produce server spans.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, serviceName)
}

// WrapHTTPTransport decorates an http.RoundTripper so client requests create
// spans and propagate W3C traceparent headers.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return otelhttp.NewTransport(t)
}
