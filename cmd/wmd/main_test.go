package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellkit/wmd/internal/client"
	"github.com/shellkit/wmd/internal/transport"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestDeriveHTTPBase(t *testing.T) {
	tests := map[string]string{
		"ws://127.0.0.1:8080/ws":  "http://127.0.0.1:8080",
		"wss://example.com/ws":    "https://example.com",
		"ws://localhost:9000/x/y": "http://localhost:9000",
	}
	for in, want := range tests {
		assert.Equal(t, want, deriveHTTPBase(in), in)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\nrelay:\n  trace_commands: true\n"), 0o644))

	t.Setenv("WMD_AUTH_TOKEN", "from-env")
	v := viper.New()
	v.SetEnvPrefix("WMD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cmd := newServeCmd(v)
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9100", "--load-timeout", "3s", "--mock"}))
	v.Set("config", path)

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "flag beats file")
	assert.Equal(t, "from-env", cfg.Server.AuthToken)
	assert.Equal(t, 3*time.Second, cfg.Window.LoadTimeout)
	assert.True(t, cfg.Mock.Enabled)
	assert.True(t, cfg.Relay.TraceCommands, "file value kept")
	assert.Equal(t, 10*time.Second, cfg.Window.ReconnectGrace, "default kept")
}

func TestLoadConfigAutoToken(t *testing.T) {
	v := viper.New()
	cmd := newServeCmd(v)
	require.NoError(t, cmd.Flags().Parse([]string{"--auth-token", "auto"}))

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Len(t, cfg.Server.AuthToken, 32)
}

func TestPrintEvents(t *testing.T) {
	events := make(chan any, 16)
	events <- client.ConnectedEvent{}
	events <- client.StateEvent{Full: true, State: map[string]any{"a": 1.0}}
	events <- client.RouteEvent{Path: "/home"}
	events <- client.StatusEvent{Status: transport.ConnectionStatus{Horde: "local"}}
	events <- client.CommandEvent{Names: []string{"x", "y"}}
	events <- client.BeginRenderEvent{LabID: "lab@1"}
	events <- client.DisconnectedEvent{Err: errors.New("eof")}
	close(events)

	var out bytes.Buffer
	require.NoError(t, printEvents(&out, events))
	assert.Equal(t, strings.Join([]string{
		"connected",
		`state (full) {"a":1}`,
		"route /home",
		"status local lag=false overlay=false delta=0ms",
		"commands x,y",
		"begin render lab@1",
		"disconnected: eof",
	}, "\n")+"\n", out.String())
}
