package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

func restoreTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitTracing_StdoutExportsSpans(t *testing.T) {
	restoreTracerProvider(t)

	cfg := config.Default().Tracing
	cfg.Exporter = "stdout"

	var out bytes.Buffer
	shutdown, err := initTracing(context.Background(), &cfg, &out, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, span := otel.Tracer("evolver-test").Start(context.Background(), "iteration.generate")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, out.String(), `"Name":"iteration.generate"`)
	assert.Contains(t, out.String(), "strategy-evolver")
}

func TestInitTracing_NoneKeepsGlobalProvider(t *testing.T) {
	restoreTracerProvider(t)
	before := otel.GetTracerProvider()

	cfg := config.Default().Tracing
	shutdown, err := initTracing(context.Background(), &cfg, &bytes.Buffer{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	cfg := config.TracingConfig{Exporter: "zipkin"}
	_, err := initTracing(context.Background(), &cfg, &bytes.Buffer{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
