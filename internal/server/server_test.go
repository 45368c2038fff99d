package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/ilyas-assylbekov/sergek/internal/evidence"
	"github.com/ilyas-assylbekov/sergek/internal/jobs"
	"github.com/ilyas-assylbekov/sergek/internal/models"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	submitted []jobs.SubmitRequest
	submitErr error
	cancelErr error
}

func (f *fakeJobs) Submit(ctx context.Context, req jobs.SubmitRequest) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return models.Job{}, f.submitErr
	}
	job := models.Job{ID: "job-1", Filename: req.Filename, Status: models.StatusUploaded}
	f.jobs[req.Filename] = job
	return job, nil
}

func (f *fakeJobs) Status(filename string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[filename]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) set(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.Filename] = job
}

func (f *fakeJobs) Cancel(filename string) error {
	if _, err := f.Status(filename); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

type fixture struct {
	srv  *httptest.Server
	jobs *fakeJobs
	cfg  Config
}

func newFixture(t *testing.T, search Searcher) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		UploadDir:     filepath.Join(dir, "uploads"),
		ProcessedDir:  filepath.Join(dir, "processed"),
		EvidenceDir:   filepath.Join(dir, "evidence"),
		AllowedOrigin: "http://localhost:3000",
		ChunkSize:     64,
	}
	fj := &fakeJobs{jobs: map[string]models.Job{}}
	srv := httptest.NewServer(New(fj, search, cfg, discard).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, jobs: fj, cfg: cfg}
}

func (f *fixture) completed(t *testing.T, name string, size int) {
	t.Helper()
	f.jobs.set(models.Job{
		Filename:      name,
		ProcessedName: storage.ProcessedName(name),
		Status:        models.StatusCompleted,
	})
	os.MkdirAll(f.cfg.ProcessedDir, 0755)
	if err := os.WriteFile(filepath.Join(f.cfg.ProcessedDir, storage.ProcessedName(name)), bytes.Repeat([]byte{7}, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func upload(t *testing.T, url, filename, contentType string, body []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(body)
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)
	resp := upload(t, f.srv.URL+"/api/videos/upload", "road crash.MP4", "video/mp4", []byte("fake video"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got uploadResponse
	decode(t, resp, &got)

	if !regexp.MustCompile(`^road_crash_[0-9a-f]{8}\.mp4$`).MatchString(got.Filename) {
		t.Fatalf("stored name = %q", got.Filename)
	}
	if got.ProcessedFilename != "processed_"+got.Filename || got.OriginalFilename != "road crash.MP4" {
		t.Fatalf("response = %+v", got)
	}
	if got.Status != "processing" || got.Size != 10 || got.JobID != "job-1" {
		t.Fatalf("response = %+v", got)
	}
	data, err := os.ReadFile(filepath.Join(f.cfg.UploadDir, got.Filename))
	if err != nil || string(data) != "fake video" {
		t.Fatalf("stored upload = %q, %v", data, err)
	}
	f.jobs.mu.Lock()
	defer f.jobs.mu.Unlock()
	if len(f.jobs.submitted) != 1 || f.jobs.submitted[0].Filename != got.Filename {
		t.Fatalf("submitted = %+v", f.jobs.submitted)
	}
}

func TestUploadRejections(t *testing.T) {
	f := newFixture(t, nil)
	resp := upload(t, f.srv.URL+"/upload", "notes.txt", "text/plain", []byte("hello"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("non-video status = %d", resp.StatusCode)
	}

	f.jobs.mu.Lock()
	f.jobs.submitErr = fmt.Errorf("submit: %w", models.ErrQueueFull)
	f.jobs.mu.Unlock()
	resp = upload(t, f.srv.URL+"/upload", "a.mp4", "video/mp4", []byte("x"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("queue full status = %d", resp.StatusCode)
	}

	resp, err := http.Post(f.srv.URL+"/upload", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file status = %d", resp.StatusCode)
	}
}

func TestUploadName(t *testing.T) {
	tests := []struct {
		in      string
		pattern string
	}{
		{"crash.mp4", `^crash_[0-9a-f]{8}\.mp4$`},
		{"../../etc/passwd", `^passwd_[0-9a-f]{8}\.mp4$`},
		{`C:\videos\dash cam.avi`, `^dash_cam_[0-9a-f]{8}\.avi$`},
		{".mp4", `^video_[0-9a-f]{8}\.mp4$`},
	}
	for _, tt := range tests {
		if got := uploadName(tt.in); !regexp.MustCompile(tt.pattern).MatchString(got) {
			t.Errorf("uploadName(%q) = %q", tt.in, got)
		}
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.jobs.set(models.Job{Filename: "a.mp4", ProcessedName: "processed_a.mp4", Status: models.StatusProcessing, FramesProcessed: 12})
	f.jobs.set(models.Job{Filename: "b.mp4", ProcessedName: "processed_b.mp4", Status: models.StatusCompleted})

	resp, _ := http.Get(f.srv.URL + "/videos/a.mp4")
	var got statusResponse
	decode(t, resp, &got)
	if got.Status != models.StatusProcessing || got.ProcessedFilename != "" || got.FramesProcessed != 12 {
		t.Fatalf("status = %+v", got)
	}

	resp, _ = http.Get(f.srv.URL + "/api/videos/b.mp4")
	decode(t, resp, &got)
	if got.Status != models.StatusCompleted || got.ProcessedFilename != "processed_b.mp4" {
		t.Fatalf("status = %+v", got)
	}

	resp, _ = http.Get(f.srv.URL + "/videos/never.mp4")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown video status = %d", resp.StatusCode)
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t, nil)
	f.completed(t, "crash_1a2b3c4d.mp4", 1000)
	f.jobs.set(models.Job{Filename: "processed_crash_1a2b3c4d.mp4", Status: models.StatusCompleted})

	for _, name := range []string{"crash_1a2b3c4d.mp4", "processed_crash_1a2b3c4d.mp4"} {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/videos/download/"+name, nil)
		req.Header.Set("Range", "bytes=100-199")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusPartialContent || body.Len() != 100 {
			t.Fatalf("%s: %d with %d bytes", name, resp.StatusCode, body.Len())
		}
		if resp.Header.Get("Content-Range") != "bytes 100-199/1000" {
			t.Fatalf("Content-Range = %q", resp.Header.Get("Content-Range"))
		}
	}

	// not completed yet
	f.jobs.set(models.Job{Filename: "busy.mp4", Status: models.StatusProcessing})
	resp, _ := http.Get(f.srv.URL + "/videos/download/busy.mp4")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("processing download status = %d", resp.StatusCode)
	}
}

func TestPredictions(t *testing.T) {
	f := newFixture(t, nil)
	ledger := storage.NewLedger("crash.mp4", 30)
	ledger.Append(3, models.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40})
	ledger.Append(6, models.BBox{X1: 5, Y1: 6, X2: 70, Y2: 80})
	if err := ledger.Finalize(filepath.Join(f.cfg.ProcessedDir, "processed_crash_predictions.csv")); err != nil {
		t.Fatal(err)
	}
	f.jobs.set(models.Job{Filename: "crash.mp4", Status: models.StatusCompleted})
	f.jobs.set(models.Job{Filename: "processed_crash.mp4", Status: models.StatusCompleted})

	for _, name := range []string{"crash.mp4", "processed_crash.mp4"} {
		resp, _ := http.Get(f.srv.URL + "/videos/predictions/" + name)
		var got struct {
			Predictions []predictionRow `json:"predictions"`
			FPS         float64         `json:"fps"`
		}
		decode(t, resp, &got)
		if got.FPS != 30 || len(got.Predictions) != 2 || got.Predictions[1].Frame != 6 || got.Predictions[1].BBox.X2 != 70 {
			t.Fatalf("%s: predictions = %+v", name, got)
		}
	}

	resp, _ := http.Get(f.srv.URL + "/videos/predictions/other.mp4")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing predictions status = %d", resp.StatusCode)
	}
}

func TestEvidence(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.cfg.EvidenceDir, "processed_crash")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	m := evidence.Manifest{Source: "crash.mp4", Evidence: []models.EvidenceEntry{{Rank: 0, Frame: 9, Confidence: 0.9, File: "topframe_0_0.30.jpg"}}}
	if err := evidence.WriteManifest(dir, m); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "topframe_0_0.30.jpg"), []byte{0xff, 0xd8}, 0644)
	f.jobs.set(models.Job{Filename: "crash.mp4", Status: models.StatusCompleted})

	resp, _ := http.Get(f.srv.URL + "/videos/evidence/crash.mp4")
	var got evidence.Manifest
	decode(t, resp, &got)
	if len(got.Evidence) != 1 || got.Evidence[0].Frame != 9 {
		t.Fatalf("manifest = %+v", got)
	}

	resp, _ = http.Get(f.srv.URL + "/videos/evidence/crash.mp4/topframe_0_0.30.jpg")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("image = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, _ = http.Get(f.srv.URL + "/videos/evidence/none.mp4")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing evidence status = %d", resp.StatusCode)
	}
}

func TestResultsHiddenUntilCompleted(t *testing.T) {
	f := newFixture(t, nil)
	f.completed(t, "crash.mp4", 100)
	ledger := storage.NewLedger("crash.mp4", 30)
	ledger.Append(3, models.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40})
	if err := ledger.Finalize(filepath.Join(f.cfg.ProcessedDir, "processed_crash_predictions.csv")); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(f.cfg.EvidenceDir, "processed_crash")
	os.MkdirAll(dir, 0755)
	m := evidence.Manifest{Source: "crash.mp4", Evidence: []models.EvidenceEntry{{Rank: 0, Frame: 3, Confidence: 0.9, File: "topframe_0_0.10.jpg"}}}
	if err := evidence.WriteManifest(dir, m); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "topframe_0_0.10.jpg"), []byte{0xff, 0xd8}, 0644)

	paths := []string{
		"/videos/download/crash.mp4",
		"/videos/predictions/crash.mp4",
		"/videos/evidence/crash.mp4",
		"/videos/evidence/crash.mp4/topframe_0_0.10.jpg",
	}
	get := func(path string) int {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for _, status := range []models.JobStatus{models.StatusUploaded, models.StatusProcessing, models.StatusFailed} {
		f.jobs.set(models.Job{Filename: "crash.mp4", Status: status})
		for _, path := range paths {
			if code := get(path); code != http.StatusNotFound {
				t.Errorf("%s job: GET %s = %d", status, path, code)
			}
		}
	}

	f.jobs.set(models.Job{Filename: "crash.mp4", Status: models.StatusCompleted})
	for _, path := range paths {
		if code := get(path); code != http.StatusOK {
			t.Errorf("completed job: GET %s = %d", path, code)
		}
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.jobs.set(models.Job{Filename: "a.mp4", Status: models.StatusProcessing})

	post := func(name string) int {
		resp, err := http.Post(f.srv.URL+"/videos/"+name+"/cancel", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post("a.mp4"); code != http.StatusAccepted {
		t.Fatalf("cancel = %d", code)
	}
	if code := post("none.mp4"); code != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d", code)
	}
	f.jobs.mu.Lock()
	f.jobs.cancelErr = fmt.Errorf("job is completed: %w", jobs.ErrInvalidTransition)
	f.jobs.mu.Unlock()
	if code := post("a.mp4"); code != http.StatusConflict {
		t.Fatalf("cancel finished = %d", code)
	}
}

type fakeSearcher struct {
	query string
	limit int
}

func (s *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]models.EvidenceMatch, error) {
	s.query, s.limit = query, limit
	return []models.EvidenceMatch{{Filename: "crash.mp4", Rank: 0, Similarity: 0.93}}, nil
}

func TestSearch(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := http.Get(f.srv.URL + "/evidence/search?q=bus")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("unconfigured search = %d", resp.StatusCode)
	}

	s := &fakeSearcher{}
	f = newFixture(t, s)
	resp, _ = http.Get(f.srv.URL + "/api/evidence/search?q=bus+collision&limit=500")
	var got struct {
		Results []models.EvidenceMatch `json:"results"`
	}
	decode(t, resp, &got)
	if s.query != "bus collision" || s.limit != 100 || len(got.Results) != 1 {
		t.Fatalf("search(%q, %d) = %+v", s.query, s.limit, got)
	}

	resp, _ = http.Get(f.srv.URL + "/evidence/search")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query = %d", resp.StatusCode)
	}
}

func TestCORSAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/videos/upload", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight = %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	resp, _ = http.Get(f.srv.URL + "/healthz")
	var got map[string]string
	decode(t, resp, &got)
	if got["status"] != "ok" {
		t.Fatalf("health = %v", got)
	}
}

type stubEmbedder struct{ err error }

func (s stubEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{float32(len(content)), 1}, nil
}

type stubIndex struct {
	query []float32
	limit int
}

func (s *stubIndex) SearchEvidence(ctx context.Context, query []float32, limit int) ([]models.EvidenceMatch, error) {
	s.query, s.limit = query, limit
	return []models.EvidenceMatch{{Filename: "crash.mp4"}}, nil
}

func TestVectorSearch(t *testing.T) {
	idx := &stubIndex{}
	v := &VectorSearch{Embedder: stubEmbedder{}, Index: idx}
	got, err := v.Search(context.Background(), "fire", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("Search = %v, %v", got, err)
	}
	if idx.limit != 5 || len(idx.query) != 2 || idx.query[0] != 4 {
		t.Fatalf("index called with %v, %d", idx.query, idx.limit)
	}

	v.Embedder = stubEmbedder{err: models.ErrInference}
	if _, err := v.Search(context.Background(), "fire", 5); !errors.Is(err, models.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
}
