package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		" fatal ": FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(err, in)
		require.Equal(want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(err)
}

func TestSlogLogger(t *testing.T) {
	t.Setenv("ENV", "")

	t.Run("JSON output with renamed time key", func(t *testing.T) {
		require := require.New(t)

		var buf bytes.Buffer
		l := NewSlog(&buf, InfoLevel, false)
		l.With("device", "EV3").Info("session started", "attempt", 1)

		var rec map[string]any
		require.NoError(json.Unmarshal(buf.Bytes(), &rec))
		require.Equal("session started", rec["msg"])
		require.Equal("EV3", rec["device"])
		require.EqualValues(1, rec["attempt"])
		require.Contains(rec, "ts")
		require.NotContains(rec, "time")
	})

	t.Run("Level filtering is shared with children", func(t *testing.T) {
		require := require.New(t)

		var buf bytes.Buffer
		l := NewSlog(&buf, WarnLevel, false)
		child := l.With("session", "s1")

		child.Info("hidden")
		require.Zero(buf.Len())

		l.SetLevel(DebugLevel)
		require.Equal(DebugLevel, child.Level())
		child.Debug("visible")
		require.Contains(buf.String(), "visible")
	})
}

func TestMockLogger(t *testing.T) {
	require := require.New(t)

	m := NewMockLogger()
	m.On("Warn", "fault", mock.Anything).Once()

	m.With("k", "v").Warn("fault", "len", 3)

	m.AssertExpectations(t)
	require.Same(m, m.With())
}

func TestMockLoggerLevel(t *testing.T) {
	require := require.New(t)

	m := NewMockLogger()
	require.Equal(DebugLevel, m.Level())

	m.SetLevel(ErrorLevel)
	require.Equal(ErrorLevel, m.With("k", "v").Level())
}

func TestSetDefault(t *testing.T) {
	require := require.New(t)

	prev := GetLogger()
	t.Cleanup(func() { SetDefault(prev) })

	m := NewMockLogger()
	SetDefault(m)
	require.Same(m, GetLogger())

	SetDefault(nil)
	require.Same(m, GetLogger(), "nil keeps the current logger")
}
