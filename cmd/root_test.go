package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-scanner/internal/config"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func TestRootCmd_HasRoles(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Contains(t, names, "master")
	require.Contains(t, names, "client")
}

func TestMasterCmd_RequiresSecret(t *testing.T) {
	t.Parallel()

	err := execute(t, "master", "--bind", "127.0.0.1:0")
	require.ErrorContains(t, err, "master.secret")
}

func TestClientCmd_RequiresSecret(t *testing.T) {
	t.Parallel()

	err := execute(t, "client", "--master-url", "http://127.0.0.1:1")
	require.ErrorContains(t, err, "client.secret")
}

func TestClientCmd_MissingConfigFile(t *testing.T) {
	t.Parallel()

	err := execute(t, "client", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "load config")
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  threads: 3\n  batch_size: 16\n"), 0o600))

	v := config.NewViper()
	client := newClientCmd(v)
	client.Flags().String("config", "", "")
	require.NoError(t, client.ParseFlags([]string{
		"--config", path,
		"--threads", "9",
		"--storage", "local",
		"--local-dir", t.TempDir(),
	}))

	cfg, err := loadConfig(client, v)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Client.Threads)
	require.Equal(t, 16, cfg.Client.BatchSize)
	require.Equal(t, config.ProviderLocal, cfg.Storage.Provider)
	require.Equal(t, 8, cfg.Client.Ceiling)
}

func TestClientCmd_FailsWhenMasterUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	err := execute(t, "client",
		"--secret", "s3cret",
		"--master-url", srv.URL,
		"--storage", "local",
		"--local-dir", t.TempDir(),
		"--log-level", "error",
	)
	require.ErrorContains(t, err, "run client")
}
