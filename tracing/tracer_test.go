package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledTracing(t *testing.T) {
	require.NoError(t, Initialize(context.Background(), &log.Logger, &common.TracingConfig{Enabled: false}))
	assert.False(t, IsEnabled())

	ctx := context.Background()
	spanCtx, span := StartDeploymentSpan(ctx, "Test", "Qm1")
	assert.Equal(t, ctx, spanCtx)
	assert.False(t, span.IsRecording())
	EndSpan(span, errors.New("ignored"))
}

func TestEndSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := provider.Tracer("test")

	_, ok := tr.Start(context.Background(), "ok")
	EndSpan(ok, nil)

	_, timedOut := tr.Start(context.Background(), "timeout")
	EndSpan(timedOut, common.NewErrRequestTimeOut(time.Second))

	_, plain := tr.Start(context.Background(), "plain")
	EndSpan(plain, errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, string(common.ErrCodeRequestTimeOut), ended[1].Status().Description)
	assert.Equal(t, codes.Error, ended[2].Status().Code)
	assert.Equal(t, "boom", ended[2].Status().Description)
}
