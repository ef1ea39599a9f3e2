package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetTraceID(ctx))

	ctx = WithTraceID(ctx, "trace-123")
	assert.Equal(t, "trace-123", GetTraceID(ctx))

	ctx = WithAgentID(ctx, "agent-a")
	ctx = WithSessionKey(ctx, "sess-1")
	assert.Equal(t, "agent-a", GetAgentID(ctx))
	assert.Equal(t, "sess-1", GetSessionKey(ctx))
}

func TestNewTraceID_Unique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-xyz")
	ctx = WithAgentID(ctx, "agent-a")

	tracedLogger := LoggerFromContext(ctx, base)
	tracedLogger.Info().Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"trace-xyz"`)
	assert.Contains(t, buf.String(), `"agent_id":"agent-a"`)

	// A bare context leaves the logger untouched.
	buf.Reset()
	plainLogger := LoggerFromContext(context.Background(), base)
	plainLogger.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestStartSpan_PropagatesTraceID(t *testing.T) {
	assert.NoError(t, InitOpenTelemetry("test"))
	ctx, span := StartSpan(context.Background(), "test", "test.op")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}
