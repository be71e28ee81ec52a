package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatConsole, ParseFormat("pretty"))
}

func TestInitHonoursEnvironment(t *testing.T) {
	t.Setenv("LOGGING_LEVEL", "error")
	l := Init("debug", "console")

	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))
	assert.NotNil(t, For("supervisor"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	s := For("x")
	assert.Same(t, s, OrNop(s))
}
