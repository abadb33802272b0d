package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"timealign/internal/anchors"
	"timealign/internal/pipeline"
	"timealign/internal/storage"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	err     error
	results chan pipeline.Result
}

func (q *fakeQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Subscribe() (<-chan pipeline.Result, func()) {
	return q.results, func() {}
}

func (q *fakeQueue) last(t *testing.T) pipeline.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		t.Fatalf("no job submitted")
	}
	return q.jobs[len(q.jobs)-1]
}

func newTestServer(t *testing.T, store *storage.Store) (*Server, *fakeQueue) {
	t.Helper()
	dir := t.TempDir()
	q := &fakeQueue{results: make(chan pipeline.Result, 1)}
	opts := Options{
		AnchorsFile: filepath.Join(dir, "anchors.txt"),
		ParamsFile:  filepath.Join(dir, "params.txt"),
	}
	return New(opts, store, q, slog.Default()), q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestAnchorsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/anchors", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get empty anchors: %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"tags":[],"anchors":[]}` {
		t.Fatalf("expected empty table, got %s", rec.Body.String())
	}

	body := `{"tags":["peak","tree"],"anchors":[[{"x":10,"y":20},null],[{"x":5,"y":6},{"x":7,"y":8}]]}`
	rec = do(t, h, http.MethodPut, "/anchors", body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put anchors: %d %s", rec.Code, rec.Body.String())
	}

	saved, err := anchors.Load(s.opts.AnchorsFile)
	if err != nil || saved == nil {
		t.Fatalf("load saved anchors: %v", err)
	}
	if saved.NumImages() != 2 || saved.At(0, 1) != nil || *saved.At(1, 1) != (anchors.Point{X: 7, Y: 8}) {
		t.Fatalf("unexpected saved table %+v", saved)
	}

	rec = do(t, h, http.MethodGet, "/anchors", "")
	var got AnchorsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "tree" || got.Anchors[0][0].X != 10 {
		t.Fatalf("unexpected anchors %+v", got)
	}
}

func TestPutAnchorsRejectsInvalidTable(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	cases := []string{
		`{"tags":["a"],"anchors":[]}`,
		`{"tags":["a","a"],"anchors":[[null],[null]]}`,
		`{"tags":["left\teye","b"],"anchors":[[null],[null]]}`,
		`not json`,
	}
	for _, body := range cases {
		if rec := do(t, h, http.MethodPut, "/anchors", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestSolveQueuesJob(t *testing.T) {
	s, q := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/solve", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var accepted JobAccepted
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	job := q.last(t)
	if accepted.ID == "" || accepted.ID != job.ID || job.Type != pipeline.JobSolve {
		t.Fatalf("unexpected job %+v for %+v", job, accepted)
	}
	if job.InputPath != s.opts.AnchorsFile || job.Output != s.opts.ParamsFile {
		t.Fatalf("expected default files, got %+v", job)
	}
	if _, ok := job.Options["reference"]; ok {
		t.Fatalf("reference should be unset")
	}

	rec = do(t, h, http.MethodPost, "/solve", `{"display":true,"reference":2,"output":"disp.txt"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	job = q.last(t)
	if job.Output != "disp.txt" || job.Options["display"] != true || job.Options["reference"] != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestApplyQueuesJob(t *testing.T) {
	s, q := newTestServer(t, nil)
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/apply", `{"images":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without images, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/apply", `{"images":["a.jpg","b.jpg"],"crop":"0,0,100,100","final_size":"none","output":"out"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	job := q.last(t)
	if job.Type != pipeline.JobApply || job.Output != "out" || job.InputPath != "a.jpg" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["params"] != s.opts.ParamsFile || job.Options["crop"] != "0,0,100,100" || job.Options["finalSize"] != "none" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if _, ok := job.Options["engine"]; ok {
		t.Fatalf("empty engine should not be forwarded")
	}
}

func TestQueueFullIsUnavailable(t *testing.T) {
	s, q := newTestServer(t, nil)
	q.err = pipeline.ErrQueueFull
	if rec := do(t, s.Handler(), http.MethodPost, "/solve", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestJobDetail(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	if err := store.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "solve", Status: "queued"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	s, _ := newTestServer(t, store)
	h := s.Handler()

	// no result yet
	if rec := do(t, h, http.MethodGet, "/jobs/j1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for queued job, got %d %s", rec.Code, rec.Body.String())
	}

	if err := store.RecordTransforms("j1", []storage.TransformRecord{{Index: 0, A: 1, Points: 2}, {Index: 1, A: 1, DX: 3, Points: 2}}); err != nil {
		t.Fatalf("transforms: %v", err)
	}
	if err := store.RecordJobResult("j1", "completed", map[string]any{"images": 2}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/jobs/j1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail JobDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.ID != "j1" || detail.Status != "completed" || len(detail.Transforms) != 2 || detail.Transforms[1].DX != 3 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Meta["images"] != float64(2) {
		t.Fatalf("unexpected meta %v", detail.Meta)
	}

	if rec := do(t, h, http.MethodGet, "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/jobs", "")
	var jobs []storage.JobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil || len(jobs) != 1 {
		t.Fatalf("unexpected job list %s (%v)", rec.Body.String(), err)
	}
}

func TestJobsWithoutStore(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestStreamSendsResults(t *testing.T) {
	s, q := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	q.results <- pipeline.Result{Job: pipeline.Job{ID: "s1", Type: pipeline.JobSolve}}

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				lines <- line
				return
			}
		}
	}()
	select {
	case line := <-lines:
		if !strings.HasPrefix(line, "data: ") || !bytes.Contains([]byte(line), []byte(`"id":"s1"`)) {
			t.Fatalf("unexpected event %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event received")
	}
}
