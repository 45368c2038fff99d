package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ilyas-assylbekov/sergek/internal/config"
	"github.com/ilyas-assylbekov/sergek/internal/evidence"
	"github.com/ilyas-assylbekov/sergek/internal/jobs"
	"github.com/ilyas-assylbekov/sergek/internal/models"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

// Jobs is the orchestrator as seen by the HTTP layer
type Jobs interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (models.Job, error)
	Status(filename string) (models.Job, error)
	Cancel(filename string) error
}

// Searcher answers free-text queries over described evidence
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.EvidenceMatch, error)
}

// Config locates the job files and sets HTTP limits
type Config struct {
	UploadDir      string
	ProcessedDir   string
	EvidenceDir    string
	AllowedOrigin  string
	MaxUploadBytes int64
	ChunkSize      int
}

// Server is the HTTP API for uploads, job status and results
type Server struct {
	jobs   Jobs
	search Searcher
	cfg    Config
	logger *slog.Logger
	router *chi.Mux
}

// New builds the router. search may be nil.
func New(j Jobs, search Searcher, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	s := &Server{
		jobs:   j,
		search: search,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.cors)

	s.routes(r)
	r.Route("/api", s.routes)
	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Post("/upload", s.handleUpload)
	r.Get("/evidence/search", s.handleSearch)

	r.Route("/videos", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/download/{filename}", s.handleDownload)
		r.Head("/download/{filename}", s.handleDownload)
		r.Get("/predictions/{filename}", s.handlePredictions)
		r.Get("/evidence/{filename}", s.handleEvidence)
		r.Get("/evidence/{filename}/{image}", s.handleEvidenceImage)
		r.Get("/{filename}", s.handleStatus)
		r.Post("/{filename}/cancel", s.handleCancel)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowedOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Range")
			h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// filenameParam returns the {filename} URL parameter when it names a plain file
func filenameParam(r *http.Request) (string, bool) {
	name := chi.URLParam(r, "filename")
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsRune(name, '\\') {
		return "", false
	}
	return name, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// uploadName builds the stored name "<base>_<8 hex><ext>" of an upload
func uploadName(original string) string {
	original = filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" || unsafeChars.MatchString(ext) {
		ext = ".mp4"
	}
	base := unsafeChars.ReplaceAllString(strings.TrimSuffix(original, filepath.Ext(original)), "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "video"
	}
	return fmt.Sprintf("%s_%s%s", base, strings.ReplaceAll(uuid.NewString(), "-", "")[:8], ext)
}

type uploadResponse struct {
	Filename          string `json:"filename"`
	ProcessedFilename string `json:"processedFilename"`
	OriginalFilename  string `json:"originalFilename"`
	Size              int64  `json:"size"`
	Status            string `json:"status"`
	JobID             string `json:"jobId"`
	Error             string `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); !strings.HasPrefix(ct, "video/") {
		writeError(w, http.StatusUnsupportedMediaType, "file must be a video")
		return
	}

	name := uploadName(header.Filename)
	path := filepath.Join(s.cfg.UploadDir, name)
	var size int64
	err = storage.WriteFileAtomic(path, func(dst io.Writer) error {
		n, err := io.Copy(dst, file)
		size = n
		return err
	})
	if err != nil {
		s.logger.Error("Failed to store upload", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	s.logger.Info("Video uploaded", "file", name, "original", header.Filename, "size", size)

	job, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		SourcePath:       path,
		Filename:         name,
		OriginalFilename: header.Filename,
	})
	switch {
	case errors.Is(err, models.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "processing queue is full, try again later")
		return
	case err != nil:
		s.logger.Error("Failed to submit job", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start processing")
		return
	}

	status := string(models.StatusProcessing)
	if job.Status == models.StatusFailed {
		status = string(job.Status)
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{
		Filename:          name,
		ProcessedFilename: storage.ProcessedName(name),
		OriginalFilename:  header.Filename,
		Size:              size,
		Status:            status,
		JobID:             job.ID,
		Error:             job.Error,
	})
}

type statusResponse struct {
	Status            models.JobStatus `json:"status"`
	Filename          string           `json:"filename"`
	ProcessedFilename string           `json:"processedFilename,omitempty"`
	Error             string           `json:"error,omitempty"`
	FramesProcessed   int              `json:"framesProcessed"`
	Detections        int              `json:"detections"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}
	job, err := s.jobs.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}
	resp := statusResponse{
		Status:          job.Status,
		Filename:        job.Filename,
		Error:           job.Error,
		FramesProcessed: job.FramesProcessed,
		Detections:      job.Detections,
	}
	if job.Status == models.StatusCompleted {
		resp.ProcessedFilename = job.ProcessedName
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}
	if !s.completed(name) {
		writeError(w, http.StatusNotFound, "processed video not available")
		return
	}
	path := filepath.Join(s.cfg.ProcessedDir, storage.ProcessedName(name))
	streamFile(w, r, path, "video/mp4", s.cfg.ChunkSize, s.logger)
}

type predictionRow struct {
	Frame int         `json:"frame"`
	BBox  models.BBox `json:"bbox"`
	FPS   float64     `json:"fps"`
}

// completed reports whether name has finished processing. Outputs of a
// running job are partial and are never served.
func (s *Server) completed(name string) bool {
	job, err := s.jobs.Status(name)
	return err == nil && job.Status == models.StatusCompleted
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(r)
	if !ok || !s.completed(name) {
		writeError(w, http.StatusNotFound, "predictions not found")
		return
	}
	records, fps, err := storage.ReadLedger(filepath.Join(s.cfg.ProcessedDir, storage.PredictionsName(name)))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "predictions not found")
			return
		}
		s.logger.Error("Failed to read predictions", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read predictions")
		return
	}
	rows := make([]predictionRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, predictionRow{Frame: rec.Frame, BBox: rec.Box, FPS: rec.FPS})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": rows,
		"fps":         fps,
	})
}

func (s *Server) evidenceDir(name string) string {
	return filepath.Join(s.cfg.EvidenceDir, storage.EvidenceDirName(name))
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(r)
	if !ok || !s.completed(name) {
		writeError(w, http.StatusNotFound, "evidence not found")
		return
	}
	m, err := evidence.ReadManifest(s.evidenceDir(name))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "evidence not found")
			return
		}
		s.logger.Error("Failed to read evidence", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read evidence")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleEvidenceImage(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(r)
	img := chi.URLParam(r, "image")
	if !ok || img != filepath.Base(img) || !strings.HasSuffix(img, ".jpg") || !s.completed(name) {
		writeError(w, http.StatusNotFound, "evidence image not found")
		return
	}
	streamFile(w, r, filepath.Join(s.evidenceDir(name), img), "image/jpeg", s.cfg.ChunkSize, s.logger)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}
	err := s.jobs.Cancel(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "filename": name})
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "video not found")
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Failed to cancel job", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusNotImplemented, "evidence search is not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}
	matches, err := s.search.Search(r.Context(), q, limit)
	if err != nil {
		s.logger.Error("Evidence search failed", "query", q, "error", err)
		writeError(w, http.StatusBadGateway, "evidence search failed")
		return
	}
	if matches == nil {
		matches = []models.EvidenceMatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": matches})
}
