// Package transport is the thin reference HTTP/WebSocket transport of
// spec.md §6 and SPEC_FULL.md §1: just enough of an external surface to
// drive the execution core end-to-end (submission, status query, log
// retrieval including a streaming variant, output download including
// "download all" as a tar stream, and a health probe). It is not a
// spec'd subsystem in its own right — the interfaces named in spec.md §6
// are the contract; this package is one honest implementation of them.
//
// dupedog is a CLI with no server surface at all, so this package has no
// single teacher file it adapts; its shape is grounded piecemeal on the
// rest of the retrieved pack: vjache-cie's cmd/cie/index.go for mounting
// promhttp.Handler() alongside application routes on one mux, and
// vanducng-goclaw's gorilla/websocket usage for the log-streaming
// endpoint.
package transport

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queelius/sandrun/internal/executor"
	"github.com/queelius/sandrun/internal/identity"
	"github.com/queelius/sandrun/internal/job"
	"github.com/queelius/sandrun/internal/queue"
	"github.com/queelius/sandrun/internal/sandbox"
)

// record is the server's in-memory view of one job, updated as it
// progresses. Per spec.md §6's "Persisted state layout": none of this
// survives a restart — it is pure RAM bookkeeping over what the core
// already tracks.
type record struct {
	mu     sync.Mutex
	job    *job.Job
	result *job.Result
	err    error
	logs   *sandbox.LogSink
}

// Server wires the queue, worker identity, and metrics into spec.md §6's
// external interfaces. Construct with New; mount with Handler.
type Server struct {
	queue    *queue.Queue
	identity *identity.Identity
	maxBytes int64

	mu      sync.Mutex
	records map[string]*record
}

// DefaultMaxArchiveBytes bounds an uploaded archive's size; larger uploads
// are rejected as archive_too_large per spec.md §6.
const DefaultMaxArchiveBytes = 64 * 1024 * 1024

// New constructs a Server dispatching submissions onto q. id may be
// identity.Anonymous() for a worker running with no signing key.
func New(q *queue.Queue, id *identity.Identity) *Server {
	return &Server{
		queue:    q,
		identity: id,
		maxBytes: DefaultMaxArchiveBytes,
		records:  make(map[string]*record),
	}
}

// Handler returns the complete mux: /submit, /status/, /logs/, /logs/stream/,
// /outputs/{job_id}/{path...}, /outputs/{job_id} (all outputs as a tar
// stream), /health, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("GET /status/{job_id}", s.handleStatus)
	mux.HandleFunc("GET /logs/{job_id}", s.handleLogs)
	mux.HandleFunc("GET /logs/stream/{job_id}", s.handleLogStream)
	mux.HandleFunc("GET /outputs/{job_id}/{path...}", s.handleOutput)
	mux.HandleFunc("GET /outputs/{job_id}", s.handleOutputsAll)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// handleSubmit implements spec.md §6's Submission operation: a
// multipart/form-data POST with an "archive" file part (tar+gz) and a
// "manifest" text part (JSON).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "archive_too_large", err.Error())
		return
	}

	manifestRaw := r.FormValue("manifest")
	var manifest job.Manifest
	if err := json.Unmarshal([]byte(manifestRaw), &manifest); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_manifest", err.Error())
		return
	}

	archiveFile, _, err := r.FormFile("archive")
	var archiveBytes []byte
	if err == nil {
		defer func() { _ = archiveFile.Close() }()
		archiveBytes, err = io.ReadAll(archiveFile)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed_manifest", "could not read archive")
			return
		}
	}

	entrypointBytes, err := readEntrypointFromArchive(archiveBytes, manifest.Entrypoint)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_manifest", err.Error())
		return
	}

	jobID := uuid.NewString()
	sourceIP := sourceIPOf(r)
	logs := sandbox.NewLogSink(10*1024*1024, 10*1024*1024)

	rec := &record{logs: logs}
	s.mu.Lock()
	s.records[jobID] = rec
	s.mu.Unlock()

	sub := executor.Submission{
		JobID:           jobID,
		SourceIP:        sourceIP,
		Manifest:        manifest,
		EntrypointBytes: entrypointBytes,
		Upload:          tarGzUpload{data: archiveBytes, skip: manifest.Entrypoint},
		Logs:            logs,
	}

	outcome, ch := s.queue.Enqueue(sub)
	if outcome == queue.QueueFull {
		s.mu.Lock()
		delete(s.records, jobID)
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "queue_full", "the queue is full; retry later")
		return
	}

	go s.awaitOutcome(jobID, ch)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":         jobID,
		"initial_status": string(job.StatusQueued),
	})
}

// awaitOutcome records the finished job against jobID once the queue
// delivers it, so later status/log/output requests see the terminal
// state.
func (s *Server) awaitOutcome(jobID string, ch <-chan queue.Outcome) {
	if ch == nil {
		return
	}
	out := <-ch
	s.mu.Lock()
	rec, ok := s.records[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.job = out.Job
	rec.result = out.Result
	rec.err = out.Err
	rec.mu.Unlock()
}

// handleStatus implements spec.md §6's Status query.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r.PathValue("job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job_id")
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	status := map[string]any{"job_id": r.PathValue("job_id")}
	if rec.job != nil {
		status["status"] = string(rec.job.Status())
	} else {
		status["status"] = string(job.StatusQueued)
	}
	if rec.result != nil {
		status["job_hash"] = rec.result.JobInputHash
		status["exit_code"] = rec.result.ExitCode
		status["timed_out"] = rec.result.TimedOut
		status["cpu_seconds"] = rec.result.CPUSeconds
		status["memory_peak_bytes"] = rec.result.MemoryPeakBytes
		status["outputs"] = rec.result.Outputs
		if s.identity != nil && s.identity.Loaded() {
			status["worker_metadata"] = map[string]any{
				"worker_id":           s.identity.WorkerID(),
				"signature":           s.identity.Sign([]byte(rec.result.CanonicalForm())),
				"signature_algorithm": "Ed25519",
				"signed_data":         rec.result.CanonicalForm(),
			}
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLogs implements spec.md §6's Log retrieval (non-streaming
// variant): the capped stdout+stderr buffers plus a truncation flag.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r.PathValue("job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job_id")
		return
	}
	stdout, stdoutTrunc := rec.logs.Stdout()
	stderr, stderrTrunc := rec.logs.Stderr()
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout":        string(stdout),
		"stderr":        string(stderr),
		"log_truncated": stdoutTrunc || stderrTrunc,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLogStream implements spec.md §6's streaming log variant:
// incremental byte frames over a WebSocket, terminated when the job
// reaches a terminal status.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	rec, ok := s.lookup(jobID)
	if !ok {
		http.Error(w, "unknown job_id", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Default().Error("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch := make(chan []byte, 64)
	rec.logs.Subscribe(ch)
	defer rec.logs.Unsubscribe(ch)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case chunk := <-ch:
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		case <-ticker.C:
			rec.mu.Lock()
			done := rec.job != nil && rec.job.Status().Terminal()
			rec.mu.Unlock()
			if done {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
		}
	}
}

// handleOutput implements spec.md §6's Output download for one file.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r.PathValue("job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job_id")
		return
	}
	relPath := r.PathValue("path")

	rec.mu.Lock()
	result := rec.result
	workDir := ""
	if rec.job != nil {
		workDir = rec.job.WorkDir
	}
	rec.mu.Unlock()

	if result == nil {
		writeError(w, http.StatusNotFound, "not_found", "job has no outputs yet")
		return
	}
	if _, present := result.Outputs[relPath]; !present {
		writeError(w, http.StatusNotFound, "not_found", "path not present in OutputSet")
		return
	}

	http.ServeFile(w, r, filepath.Join(workDir, filepath.FromSlash(relPath)))
}

// handleOutputsAll implements spec.md §6's "download all" variant: a tar
// stream of the filtered outputs in lexicographic order.
func (s *Server) handleOutputsAll(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r.PathValue("job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job_id")
		return
	}

	rec.mu.Lock()
	result := rec.result
	workDir := ""
	if rec.job != nil {
		workDir = rec.job.WorkDir
	}
	rec.mu.Unlock()

	if result == nil {
		writeError(w, http.StatusNotFound, "not_found", "job has no outputs yet")
		return
	}

	w.Header().Set("Content-Type", "application/x-tar")
	tw := tar.NewWriter(w)
	defer func() { _ = tw.Close() }()

	for _, p := range result.Outputs.Paths() {
		meta := result.Outputs[p]
		data, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(p)))
		if err != nil {
			continue // best-effort: a file that vanished before download doesn't abort the whole stream
		}
		hdr := &tar.Header{Name: p, Size: meta.SizeBytes, Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			return
		}
		if _, err := tw.Write(data); err != nil {
			return
		}
	}
}

// handleHealth implements spec.md §6's Health probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.identity != nil && s.identity.Loaded() {
		body["worker_id"] = s.identity.WorkerID()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) lookup(jobID string) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	return rec, ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason, detail string) {
	writeJSON(w, status, map[string]string{"reason": reason, "detail": detail})
}

func sourceIPOf(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// readEntrypointFromArchive extracts just the entrypoint's bytes from the
// uploaded tar.gz, without materializing anything to disk — JobInputHash
// (step 1) must be computable before any admission check touches storage.
func readEntrypointFromArchive(archiveBytes []byte, entrypoint string) ([]byte, error) {
	if len(archiveBytes) == 0 {
		return nil, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(archiveBytes))
	if err != nil {
		return nil, fmt.Errorf("transport: open archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("transport: entrypoint %q not found in archive", entrypoint)
		}
		if err != nil {
			return nil, fmt.Errorf("transport: read archive: %w", err)
		}
		if hdr.Name == entrypoint {
			return io.ReadAll(tr)
		}
	}
}

// tarGzUpload implements executor.Uploader by extracting every archive
// entry except skip (the entrypoint, already handled separately) into
// workDir.
type tarGzUpload struct {
	data []byte
	skip string
}

func (u tarGzUpload) MaterializeInto(workDir string) error {
	if len(u.data) == 0 {
		return nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(u.data))
	if err != nil {
		return fmt.Errorf("transport: open archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transport: read archive: %w", err)
		}
		if hdr.Name == u.skip || hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := filepath.Join(workDir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return err
		}
		_ = f.Close()
	}
}
