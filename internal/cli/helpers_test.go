package cli

import (
	"bytes"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/harun/banca/internal/config"
)

// useTestConfig writes an offline, in-memory config and points --config at it.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Backend = "memory"
	cfg.Tracing.Enabled = false
	cfg.Agents.Offline = true
	cfg.Logging.Level = "error"
	cfg.Server.Port = freePort(t)

	path := filepath.Join(dir, "banca.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))

	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })

	loaded, err := config.Load(path)
	require.NoError(t, err)
	return loaded
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testCommand(in string) (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetIn(bytes.NewBufferString(in))
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	return cmd, out
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}
