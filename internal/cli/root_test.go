package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/model"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "schemhost", cmd.Use)
	assert.Contains(t, cmd.Long, "download and delete keys")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"serve", "prune", "list", "stats"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "config.json", configFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	list, _, err := cmd.Find([]string{"list"})
	require.NoError(t, err)
	all := list.Flags().Lookup("all")
	require.NotNil(t, all)
	assert.Equal(t, "a", all.Shorthand)

	prune, _, err := cmd.Find([]string{"prune"})
	require.NoError(t, err)
	olderThan := prune.Flags().Lookup("older-than")
	require.NotNil(t, olderThan)
	assert.Equal(t, "0s", olderThan.DefValue)

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("shutdown-timeout"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"list", "--format", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// cliEnv is a sqlite-backed workspace for running commands end to end.
type cliEnv struct {
	configPath  string
	dbPath      string
	storagePath string
}

func newCLIEnv(t *testing.T, config string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		configPath:  filepath.Join(dir, "config.json"),
		dbPath:      filepath.Join(dir, "schemhost.db"),
		storagePath: filepath.Join(dir, "schemata"),
	}
	if config != "" {
		require.NoError(t, os.WriteFile(env.configPath, []byte(config), 0o644))
	}

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", env.dbPath)
	t.Setenv("STORAGE_PATH", env.storagePath)
	t.Setenv("S3_BUCKET", "")
	t.Setenv("LOG_LEVEL", "error")
	return env
}

// seed stores records with last_accessed at the given times.
func (e *cliEnv) seed(t *testing.T, at ...time.Time) []*model.Schematic {
	t.Helper()
	ctx := context.Background()

	var stored []*model.Schematic
	for i, ts := range at {
		db, err := database.NewSQLiteDB(e.dbPath,
			database.WithClock(func() time.Time { return ts }),
			database.WithLogger(slog.New(slog.DiscardHandler)),
		)
		require.NoError(t, err)
		require.NoError(t, db.Init(ctx))

		rec, err := db.StoreRecord(ctx, &model.Schematic{
			DownloadKey: database.NewKey(),
			DeleteKey:   database.NewKey(),
			FileName:    fmt.Sprintf("build-%d.schem", i+1),
		})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		require.NoError(t, os.MkdirAll(e.storagePath, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(e.storagePath, rec.DownloadKey), []byte("blob"), 0o644))
		stored = append(stored, rec)
	}
	return stored
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", e.configPath))
	err := cmd.Execute()
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	env := newCLIEnv(t, "")
	now := time.Now().UTC()
	env.seed(t, now.Add(-time.Hour), now)

	out, err := env.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "build-1.schem")
	assert.Contains(t, out, "build-2.schem")
	assert.Contains(t, out, "2 schematic(s)")

	_, err = os.Stat(env.configPath)
	assert.NoError(t, err, "missing config is created with defaults")
}

func TestPruneCommand(t *testing.T) {
	env := newCLIEnv(t, `{"prune": 86400000}`)
	now := time.Now().UTC()
	recs := env.seed(t, now.Add(-72*time.Hour), now)

	out, err := env.run(t, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "expired\t1\n")
	assert.Contains(t, out, "blobs_removed\t1\n")
	assert.Contains(t, out, "build-1.schem")

	_, err = os.Stat(filepath.Join(env.storagePath, recs[0].DownloadKey))
	assert.True(t, os.IsNotExist(err), "stale blob removed")
	_, err = os.Stat(filepath.Join(env.storagePath, recs[1].DownloadKey))
	assert.NoError(t, err, "fresh blob kept")

	out, err = env.run(t, "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "build-1.schem")
	assert.Contains(t, out, "1 schematic(s)")

	out, err = env.run(t, "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "build-1.schem")
	assert.Contains(t, out, "2 schematic(s)")
}

func TestPruneCommandOlderThan(t *testing.T) {
	env := newCLIEnv(t, "")
	now := time.Now().UTC()
	env.seed(t, now.Add(-3*time.Hour), now.Add(-30*time.Minute))

	out, err := env.run(t, "prune", "--older-than", "1h", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Expired      []*model.Schematic `json:"expired"`
			BlobsRemoved int                `json:"blobs_removed"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Expired, 1)
	assert.Equal(t, "build-1.schem", resp.Data.Expired[0].FileName)
	assert.Equal(t, 1, resp.Data.BlobsRemoved)
}

func TestStatsCommand(t *testing.T) {
	env := newCLIEnv(t, "")
	now := time.Now().UTC()
	env.seed(t, now.Add(-48*time.Hour), now)

	_, err := env.run(t, "prune", "--older-than", "24h")
	require.NoError(t, err)

	out, err := env.run(t, "stats")
	require.NoError(t, err)
	assert.Equal(t, "total\t2\nactive\t1\nexpired\t1\n", out)
}

func TestCommandBadConfig(t *testing.T) {
	env := newCLIEnv(t, `{"port": 0}`)

	_, err := env.run(t, "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "load config")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServeCommand(t *testing.T) {
	port := freePort(t)
	env := newCLIEnv(t, fmt.Sprintf(`{"port": %d}`, port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "--config", env.configPath, "--shutdown-timeout", "5s"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
