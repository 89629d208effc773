package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	l := New(base)

	l.InfoCtx(context.Background(), "hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "value")
}

func TestLoggerDefaultsWhenNil(t *testing.T) {
	l := New(nil)
	assert.NotNil(t, l)
	l.ErrorCtx(context.Background(), "boom")
}
