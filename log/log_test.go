package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("CRIT")
	require.NoError(t, err)
	require.Equal(t, LevelCrit, lvl)

	_, err = ParseLevel("bogus")
	require.Error(t, err)
}

func TestTerminalHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelDebug))
	l.Info(DriverMonitoring, "run finished", "exitCode", 0, "cycles", 2100)

	out := buf.String()
	require.Contains(t, out, "INFO ")
	require.Contains(t, out, "run finished")
	require.Contains(t, out, "exitCode=0")
	require.Contains(t, out, "cycles=2100")
}

func TestModuleFiltering(t *testing.T) {
	var buf bytes.Buffer
	old := Root()
	defer SetDefault(old)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace)))

	DisableModule(VMMonitoring)
	Debug(VMMonitoring, "should be dropped")
	require.Equal(t, "", buf.String())

	EnableModule(VMMonitoring)
	Debug(VMMonitoring, "should appear")
	require.True(t, strings.Contains(buf.String(), "should appear"))
	DisableModule(VMMonitoring)
}

func TestEnableModulesList(t *testing.T) {
	DisableModule(GdbMonitoring)
	DisableModule(TxMonitoring)
	EnableModules("gdb, tx")
	require.True(t, isModuleEnabled(GdbMonitoring))
	require.True(t, isModuleEnabled(TxMonitoring))
	DisableModule(GdbMonitoring)
	DisableModule(TxMonitoring)
}
