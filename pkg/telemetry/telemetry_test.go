package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.Nil(t, tel.TracerProvider)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	counter, err := tel.Meter.Int64Counter("noop.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_EnabledWithoutEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojodb_test", TraceSampleRatio: 5})
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider)
	require.NotNil(t, tel.TracerProvider)

	_, span := tel.Tracer.Start(context.Background(), "sampled")
	require.True(t, span.SpanContext().IsSampled(), "out-of-range ratio means always sample")
	span.End()

	counter, err := tel.Meter.Int64Counter("gojodb.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)
	require.NoError(t, shutdown(context.Background()))
}
