package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithExecutionID(context.Background(), "exec-1")
	ctx = WithNodeID(ctx, "fetch")
	ctx = WithGraphName(ctx, "ingest")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "fetch", NodeID(ctx))
	assert.Equal(t, "ingest", GraphName(ctx))
}

func TestContextAbsentValues(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", GraphName(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithExecutionID(context.Background(), "exec-9")
	ctx = WithNodeID(ctx, "route")
	logger.InfoContext(ctx, "step done")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-9")
	assert.Contains(t, out, "node_id=route")
}

func TestCorrelationHandler_NoIDsNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")
	require.NotContains(t, buf.String(), "execution_id")
}

func TestLogWith_EnrichesOnlyPresent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithExecutionID(context.Background(), "exec-2")
	LogWith(ctx, base).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-2")
	assert.NotContains(t, out, "node_id")
}
