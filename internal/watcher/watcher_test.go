package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kleisproxy/kleis/internal/config"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, adminToken, logLevel string) {
	t.Helper()
	content := "admin-token: " + adminToken + "\nlog-level: " + logLevel + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcherSwapsSnapshotOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "first", "info")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	holder := config.NewHolder(cfg)

	w, err := New(path, holder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	writeConfig(t, path, "second", "debug")
	require.Eventually(t, func() bool {
		return holder.Load().AdminToken == "second"
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, "debug", holder.Load().LogLevel)
}

func TestWatcherKeepsSnapshotOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "first", "info")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	holder := config.NewHolder(cfg)

	w, err := New(path, holder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Invalid: port out of range fails validation.
	require.NoError(t, os.WriteFile(path, []byte("admin-token: x\nport: 99999\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, "first", holder.Load().AdminToken)
}
