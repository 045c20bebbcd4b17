package api

import (
	"bytes"
	"context"
	"database/sql"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/linchengyeyu/bambu-farm/engine"
	"github.com/linchengyeyu/bambu-farm/internal/dispatch"
	"github.com/linchengyeyu/bambu-farm/internal/model"
	"github.com/linchengyeyu/bambu-farm/internal/store"
	"github.com/linchengyeyu/bambu-farm/internal/telemetry"
)

type noopUploader struct{}

func (noopUploader) Upload(ctx context.Context, localPath, remoteName, host, accessCode string) bool {
	return true
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, text string) error { return nil }

func newTestServer(t *testing.T) (*httpexpect.Expect, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	fleet := telemetry.NewFleet()
	disp := dispatch.New(st, fleet, noopUploader{}, noopNotifier{}, 5)
	mod := New(db, st, fleet, disp, t.TempDir())

	router := engine.NewRouter()
	mod.AttachRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return httpexpect.WithConfig(httpexpect.Config{
		Client:   server.Client(),
		BaseURL:  server.URL,
		Reporter: httpexpect.NewAssertReporter(t),
	}), st
}

func TestAPI_PrinterCRUD(t *testing.T) {
	e, _ := newTestServer(t)

	e.GET("/api/printers").Expect().Status(200).JSON().Array().IsEmpty()

	created := e.POST("/api/printers").WithJSON(map[string]any{
		"display_name": "Bench A",
		"host_address": "10.0.0.5",
		"access_code":  "secret",
		"serial":       "S1",
	}).Expect().Status(200).JSON().Object()
	created.Value("display_name").String().IsEqual("Bench A")
	id := created.Value("id").Number().Raw()

	e.GET("/api/printers").Expect().Status(200).JSON().Array().Length().IsEqual(1)

	e.DELETE("/api/printers/{id}", int64(id)).Expect().Status(204)
	e.GET("/api/printers").Expect().Status(200).JSON().Array().IsEmpty()
}

func TestAPI_JobUploadAndRetry(t *testing.T) {
	e, st := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", "print.3mf")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake archive bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("priority", "3"))
	require.NoError(t, mw.Close())

	created := e.POST("/api/jobs").WithHeader("Content-Type", mw.FormDataContentType()).
		WithBytes(body.Bytes()).Expect().Status(200).JSON().Object()
	created.Value("status").String().IsEqual("pending")
	created.Value("priority").Number().IsEqual(3)
	id := int64(created.Value("id").Number().Raw())

	e.GET("/api/jobs").Expect().Status(200).JSON().Array().Length().IsEqual(1)

	// Retry on a non-failed, non-completed job is rejected.
	e.POST("/api/jobs/{id}/retry", id).Expect().Status(409)

	// A completed job can be retried back to pending.
	require.NoError(t, st.Jobs().SetStatus(context.Background(), id, model.JobCompleted))
	retried := e.POST("/api/jobs/{id}/retry", id).Expect().Status(200).JSON().Object()
	retried.Value("status").String().IsEqual("pending")
}

func TestAPI_Status(t *testing.T) {
	e, _ := newTestServer(t)

	obj := e.GET("/api/status").Expect().Status(200).JSON().Object()
	obj.Value("paused").Boolean().IsFalse()

	e.POST("/api/control/pause").Expect().Status(204)
	e.GET("/api/status").Expect().Status(200).JSON().Object().Value("paused").Boolean().IsTrue()
}

func TestAPI_Healthz(t *testing.T) {
	e, _ := newTestServer(t)
	e.GET("/healthz").Expect().Status(200)
}
