package handler_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/leca/schemhost/internal/config"
	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/model"
	"github.com/leca/schemhost/internal/router"
	"github.com/leca/schemhost/internal/storage"
)

const testToken = "test-admin-token"

type testEnv struct {
	ts        *httptest.Server
	db        *database.SQLiteDB
	store     *storage.FileSystem
	storePath string
	cfg       *config.Config
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.DBDriver = "sqlite"
	cfg.AdminToken = testToken
	cfg.LogFormat = "text"
	cfg.Limiter.DelayAfter = 0
	return cfg
}

// testServer creates a test HTTP server backed by a temporary SQLite file
// and a temporary filesystem storage directory.
func testServer(t *testing.T, opts ...database.Option) *testEnv {
	t.Helper()
	return testServerWith(t, testConfig(), func(db database.Database) database.Database { return db }, opts...)
}

func testServerWith(t *testing.T, cfg *config.Config, wrap func(database.Database) database.Database, opts ...database.Option) *testEnv {
	t.Helper()

	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init(context.Background()))

	storePath := t.TempDir()
	store := storage.NewFileSystem(storePath)

	srv := router.New(wrap(db), store, cfg, router.WithLogger(slog.New(slog.DiscardHandler)))
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, db: db, store: store, storePath: storePath, cfg: cfg}
}

// schematicBytes builds a minimal gzip-compressed NBT document.
func schematicBytes(t *testing.T, padding int) []byte {
	t.Helper()
	var raw bytes.Buffer
	raw.WriteByte(0x0A)
	binary.Write(&raw, binary.BigEndian, uint16(len("Schematic")))
	raw.WriteString("Schematic")
	// TAG_Byte_Array "Blocks"
	raw.WriteByte(0x07)
	binary.Write(&raw, binary.BigEndian, uint16(len("Blocks")))
	raw.WriteString("Blocks")
	binary.Write(&raw, binary.BigEndian, int32(padding))
	raw.Write(bytes.Repeat([]byte{0x01}, padding))
	raw.WriteByte(0x00)

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.NoCompression)
	require.NoError(t, err)
	_, err = zw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// uploadBody builds a multipart body with the schematic file and text fields.
func uploadBody(t *testing.T, fileName string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if content != nil {
		fw, err := w.CreateFormFile("schematic", fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, fileName string, content []byte, fields map[string]string) *http.Response {
	t.Helper()
	body, ct := uploadBody(t, fileName, content, fields)
	resp, err := http.Post(e.ts.URL+"/upload", ct, body)
	require.NoError(t, err)
	return resp
}

type uploadResponse struct {
	Success bool             `json:"success"`
	Result  uploadResult     `json:"result"`
	Errors  []map[string]any `json:"errors"`
}

type uploadResult struct {
	DownloadKey string `json:"download_key"`
	DeleteKey   string `json:"delete_key"`
	FileName    string `json:"file_name"`
}

// mustUpload uploads a valid schematic and returns its keys.
func (e *testEnv) mustUpload(t *testing.T, fileName string) uploadResult {
	t.Helper()
	resp := e.upload(t, fileName, schematicBytes(t, 16), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out uploadResponse
	decodeResponse(t, resp, &out)
	require.True(t, out.Success)
	return out.Result
}

func (e *testEnv) do(t *testing.T, method, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// decodeResponse decodes the JSON body into the provided target.
func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", data)
}

// failingRecords fails every insert.
type failingRecords struct {
	database.Database
}

func (failingRecords) StoreRecord(context.Context, *model.Schematic) (*model.Schematic, error) {
	return nil, errors.New("disk full")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
