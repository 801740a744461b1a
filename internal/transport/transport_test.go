package transport

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/queelius/sandrun/internal/executor"
	"github.com/queelius/sandrun/internal/identity"
	"github.com/queelius/sandrun/internal/queue"
	"github.com/queelius/sandrun/internal/ratelimit"
	"github.com/queelius/sandrun/internal/sandbox"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	exec := &executor.Executor{
		Identity:    identity.Anonymous(),
		Limiter:     ratelimit.New(ratelimit.DefaultWindowBudgetCPUSeconds, ratelimit.DefaultWindow, ratelimit.DefaultPerIPConcurrency, ratelimit.DefaultHourlyCap, ratelimit.DefaultIdleReset),
		Sandbox:     sandbox.Fake{},
		WorkDirRoot: t.TempDir(),
		GracePeriod: time.Minute,
	}
	q := queue.New(exec, 4, 2)
	q.Start()
	t.Cleanup(func() { q.Shutdown(queue.Drain) })
	return q
}

// buildArchive returns a tar+gz archive containing exactly one entry,
// named entrypoint, holding contents.
func buildArchive(t *testing.T, entrypoint, contents string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: entrypoint,
		Mode: 0o644,
		Size: int64(len(contents)),
	}))
	_, err := tw.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildSubmitRequest(t *testing.T, manifestJSON string, archive []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("manifest", manifestJSON))
	fw, err := mw.CreateFormFile("archive", "job.tar.gz")
	require.NoError(t, err)
	_, err = fw.Write(archive)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/submit", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "10.2.0.7:54321"
	return req
}

func TestSubmitAndStatusRoundTrip(t *testing.T) {
	s := New(newTestQueue(t), identity.Anonymous())
	handler := s.Handler()

	archive := buildArchive(t, "main.py", "print(1)\n")
	manifest := `{"entrypoint":"main.py","interpreter":"python3","cpu_seconds":2}`
	req := buildSubmitRequest(t, manifest, archive)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	jobID, _ := submitResp["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		statusRec := httptest.NewRecorder()
		statusReq := httptest.NewRequest(http.MethodGet, "/status/"+jobID, nil)
		handler.ServeHTTP(statusRec, statusReq)
		var status map[string]any
		_ = json.Unmarshal(statusRec.Body.Bytes(), &status)
		return status["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitRejectsMalformedManifest(t *testing.T) {
	s := New(newTestQueue(t), identity.Anonymous())
	handler := s.Handler()

	req := buildSubmitRequest(t, "not json", buildArchive(t, "main.py", "print(1)\n"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownJobReturns404(t *testing.T) {
	s := New(newTestQueue(t), identity.Anonymous())
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsHealthy(t *testing.T) {
	s := New(newTestQueue(t), identity.Anonymous())
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
	_, hasWorkerID := body["worker_id"]
	require.False(t, hasWorkerID)
}

func TestLogsReturnCapturedOutput(t *testing.T) {
	s := New(newTestQueue(t), identity.Anonymous())
	handler := s.Handler()

	archive := buildArchive(t, "main.py", "print(1)\n")
	manifest := `{"entrypoint":"main.py","interpreter":"python3","cpu_seconds":2}`
	req := buildSubmitRequest(t, manifest, archive)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	jobID := submitResp["job_id"].(string)

	require.Eventually(t, func() bool {
		logRec := httptest.NewRecorder()
		logReq := httptest.NewRequest(http.MethodGet, "/logs/"+jobID, nil)
		handler.ServeHTTP(logRec, logReq)
		return logRec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOutputsAllStreamsTar(t *testing.T) {
	s := New(newTestQueue(t), identity.Anonymous())
	handler := s.Handler()

	archive := buildArchive(t, "main.py", "print(1)\n")
	manifest := `{"entrypoint":"main.py","interpreter":"python3","cpu_seconds":2}`
	req := buildSubmitRequest(t, manifest, archive)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	jobID := submitResp["job_id"].(string)

	require.Eventually(t, func() bool {
		statusRec := httptest.NewRecorder()
		statusReq := httptest.NewRequest(http.MethodGet, "/status/"+jobID, nil)
		handler.ServeHTTP(statusRec, statusReq)
		var status map[string]any
		_ = json.Unmarshal(statusRec.Body.Bytes(), &status)
		return status["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	outRec := httptest.NewRecorder()
	outReq := httptest.NewRequest(http.MethodGet, "/outputs/"+jobID, nil)
	handler.ServeHTTP(outRec, outReq)
	require.Equal(t, http.StatusOK, outRec.Code)
	require.Equal(t, "application/x-tar", outRec.Header().Get("Content-Type"))

	tr := tar.NewReader(outRec.Body)
	_, err := tr.Next()
	require.True(t, err == nil || err == io.EOF)
}
