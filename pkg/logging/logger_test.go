package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		wantDebug bool
	}{
		{"info level", false, false},
		{"debug level", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLoggerWithWriter(&buf, tt.debug)
			assert.Equal(t, tt.debug, l.IsDebug())

			l.Debugf("flushing 0x%08x", 0x80000000)
			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("flushing 0x80000000")))

			l.Warnf("retry %d", 2)
			assert.Contains(t, buf.String(), "level=WARN")
			assert.Contains(t, buf.String(), "retry 2")
		})
	}
}

func TestLogger_WithAndErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, false).With("context", "abc")

	l.MaybeError(nil)
	assert.Empty(t, buf.String())

	l.MaybeError(errors.New("teardown failed"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "teardown failed")
	assert.Contains(t, buf.String(), "context=abc")

	buf.Reset()
	Discard().Error(errors.New("dropped"))
	assert.Empty(t, buf.String())
}
