package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNoOpClient(t *testing.T) {
	c := NewNoOpClient()
	assert.False(t, c.Enabled())
	_, span := c.Start(context.Background(), "compile")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, c.Close(context.Background()))
}

func TestRecordedSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	c := NewClientWith(rec)
	require.True(t, c.Enabled())

	img, err := jit.New(jit.DefaultConfig()).Compile(program.New("p", 0, program.Seq(program.Exit())))
	require.NoError(t, err)

	ctx, parent := c.Start(context.Background(), "run", attribute.String("program", "p"))
	_, child := c.Start(ctx, "compile", ImageAttrs(img)...)
	Fail(child, errors.New("boom"))
	child.End()
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "compile", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("jit.words", img.Words()))
	assert.NoError(t, c.Close(context.Background()))
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(context.Background(), "127.0.0.1:4318")
	require.NoError(t, err)
	assert.True(t, c.Enabled())
	assert.NoError(t, c.Close(context.Background()), "nothing to flush")
}
