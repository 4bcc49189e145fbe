package cmd

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	for input, expected := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		lvl, err := getLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, lvl, input)
	}

	_, err := getLogLevel("verbose")
	require.Error(t, err)
}

func TestLevelStringToLevelVar(t *testing.T) {
	lvlVar, err := levelStringToLevelVar("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvlVar.Level())

	_, err = levelStringToLevelVar("loud")
	require.Error(t, err)
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()

	out, err := hook(
		reflect.TypeOf(""),
		reflect.TypeOf(&slog.LevelVar{}),
		"debug",
	)
	require.NoError(t, err)
	lvlVar, ok := out.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelDebug, lvlVar.Level())

	// non-string sources and non-LevelVar targets pass through untouched
	out, err = hook(reflect.TypeOf(1), reflect.TypeOf(&slog.LevelVar{}), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = hook(
		reflect.TypeOf(""),
		reflect.TypeOf(&slog.LevelVar{}),
		"loud",
	)
	require.Error(t, err)
}
