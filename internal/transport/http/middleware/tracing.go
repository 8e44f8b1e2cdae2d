package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

// Tracing opens a server span per request so downstream calls and emitted
// events carry the trace id. A nil provider falls back to the global one.
func Tracing(serviceName string, provider trace.TracerProvider) gin.HandlerFunc {
	opts := make([]otelgin.Option, 0, 1)
	if provider != nil {
		opts = append(opts, otelgin.WithTracerProvider(provider))
	}
	return otelgin.Middleware(serviceName, opts...)
}
