package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yokitheyo/ytscribe/internal/archive"
	"github.com/yokitheyo/ytscribe/internal/config"
	"github.com/yokitheyo/ytscribe/internal/model"
	"github.com/yokitheyo/ytscribe/internal/pipeline"
	"github.com/yokitheyo/ytscribe/internal/taskmgr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticModel string

func (s staticModel) Status() string { return string(s) }

type fakeAcquirer struct{}

func (fakeAcquirer) FetchVideo(ctx context.Context, url, dir string) (string, error) {
	path := filepath.Join(dir, "video.mp4")
	return path, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 2048), 0o644)
}

func (fakeAcquirer) FetchAudio(ctx context.Context, url, dir string) (string, error) {
	path := filepath.Join(dir, "audio.mp3")
	return path, os.WriteFile(path, []byte("ID3 audio"), 0o644)
}

type fakeTranscriber struct{}

func (fakeTranscriber) Ready() bool { return true }

func (fakeTranscriber) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	return "안녕하세요", nil
}

type recordingQueue struct {
	jobs []pipeline.Job
	err  error
}

func (q *recordingQueue) Submit(job pipeline.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Stats() pipeline.PoolStats {
	return pipeline.PoolStats{Workers: 1, Queued: len(q.jobs)}
}

type testServer struct {
	router  *gin.Engine
	reg     *taskmgr.TaskManager
	queue   Queue
	storage string
}

func newTestServer(t *testing.T, reg *taskmgr.TaskManager, queue Queue, mutate func(*Deps)) *testServer {
	t.Helper()
	if reg == nil {
		reg = taskmgr.NewTaskManager()
	}
	if queue == nil {
		queue = &recordingQueue{}
	}
	storage := t.TempDir()
	deps := Deps{
		Registry:   reg,
		Queue:      queue,
		Model:      staticModel("loaded"),
		StorageDir: storage,
		URLPattern: config.DefaultURLPattern,
		DiskFree:   func(string) (uint64, error) { return 1 << 30, nil },
	}
	if mutate != nil {
		mutate(&deps)
	}
	h, err := NewAPIHandler(deps)
	require.NoError(t, err)
	return &testServer{
		router:  NewRouter(h, []string{"*"}, nil),
		reg:     reg,
		queue:   queue,
		storage: storage,
	}
}

func (s *testServer) do(method, path string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestConvertEndToEnd(t *testing.T) {
	reg := taskmgr.NewTaskManager()
	storage := t.TempDir()
	worker := pipeline.NewWorker(reg, fakeAcquirer{}, fakeTranscriber{}, pipeline.WorkerConfig{StorageDir: storage, Language: "ko"}, nil)
	pool := pipeline.NewPool(worker, 2, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	srv := newTestServer(t, reg, pool, func(d *Deps) { d.StorageDir = storage })

	w := srv.do(http.MethodPost, "/convert", `{"url":"https://www.youtube.com/watch?v=abc123"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["success"])
	taskID, _ := resp["taskId"].(string)
	require.NotEmpty(t, taskID)

	var view model.Progress
	require.Eventually(t, func() bool {
		w := srv.do(http.MethodGet, "/progress/"+taskID, "")
		if w.Code != http.StatusOK {
			return false
		}
		view = model.Progress{}
		return json.Unmarshal(w.Body.Bytes(), &view) == nil && view.Completed
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, view.Success)
	assert.Equal(t, 100, view.Progress)
	assert.Nil(t, view.Error)
	require.Len(t, view.Files, 3)
	types := []model.FileType{view.Files[0].Type, view.Files[1].Type, view.Files[2].Type}
	assert.Equal(t, []model.FileType{model.FileVideo, model.FileAudio, model.FileText}, types)

	individual := map[string][]byte{}
	for _, f := range view.Files {
		w := srv.do(http.MethodGet, "/download/"+f.ID, "")
		require.Equal(t, http.StatusOK, w.Code, f.Name)
		assert.Contains(t, w.Header().Get("Content-Disposition"), f.Name)
		individual[f.Name] = w.Body.Bytes()
	}
	assert.Equal(t, "안녕하세요", string(individual["transcript_"+taskID+".txt"]))

	w = srv.do(http.MethodGet, "/download-all/"+taskID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "youtube_conversion_"+taskID+".zip")

	body := w.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, individual[f.Name], data, f.Name)
	}
}

func TestConvertRejectsInvalidInput(t *testing.T) {
	cases := map[string]struct {
		body string
		msg  string
	}{
		"not a url":   {`{"url":"not-a-url"}`, "invalid YouTube URL"},
		"other host":  {`{"url":"https://vimeo.com/123"}`, "invalid YouTube URL"},
		"missing url": {`{}`, "URL is required"},
		"empty url":   {`{"url":""}`, "URL is required"},
		"broken json": {`{"url":`, "invalid request body"},
		"wrong type":  {`{"url":42}`, "invalid request body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, nil, nil, nil)
			w := srv.do(http.MethodPost, "/convert", tc.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode(t, w)
			assert.Equal(t, false, resp["success"])
			assert.Equal(t, tc.msg, resp["error"])
			assert.NotContains(t, resp, "taskId")
			assert.Zero(t, srv.reg.Len())
			assert.Empty(t, srv.queue.(*recordingQueue).jobs)
		})
	}
}

func TestConvertAcceptsShortLinks(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	w := srv.do(http.MethodPost, "/convert", `{"url":"youtu.be/dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusOK, w.Code)

	jobs := srv.queue.(*recordingQueue).jobs
	require.Len(t, jobs, 1)
	assert.Equal(t, "youtu.be/dQw4w9WgXcQ", jobs[0].URL)
	assert.Equal(t, decode(t, w)["taskId"], jobs[0].TaskID)
}

func TestConvertQueueFull(t *testing.T) {
	srv := newTestServer(t, nil, &recordingQueue{err: pipeline.ErrQueueFull}, nil)

	w := srv.do(http.MethodPost, "/convert", `{"url":"https://www.youtube.com/watch?v=abc123"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
	assert.Zero(t, srv.reg.Len(), "rejected submission must not leave a task behind")
}

func TestConvertSubmitError(t *testing.T) {
	srv := newTestServer(t, nil, &recordingQueue{err: errors.New("pool stopped")}, nil)

	w := srv.do(http.MethodPost, "/convert", `{"url":"https://www.youtube.com/watch?v=abc123"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, srv.reg.Len())
}

func TestConvertRateLimited(t *testing.T) {
	srv := newTestServer(t, nil, nil, func(d *Deps) {
		d.SubmitRate = 0.001
		d.SubmitBurst = 2
	})

	body := `{"url":"https://www.youtube.com/watch?v=abc123"}`
	assert.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/convert", body).Code)
	assert.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/convert", body).Code)
	w := srv.do(http.MethodPost, "/convert", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 2, srv.reg.Len())
}

func TestNewAPIHandlerRejectsBadPattern(t *testing.T) {
	_, err := NewAPIHandler(Deps{URLPattern: "("})
	assert.Error(t, err)
}

func TestProgressUnknownTask(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	w := srv.do(http.MethodGet, "/progress/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "task not found", decode(t, w)["error"])
}

func TestProgressInFlight(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	task, err := srv.reg.Create("https://youtu.be/x")
	require.NoError(t, err)
	require.NoError(t, srv.reg.SetProgress(task.ID, 30, "Extracting audio..."))

	w := srv.do(http.MethodGet, "/progress/"+task.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.EqualValues(t, 30, resp["progress"])
	assert.Equal(t, "Extracting audio...", resp["status"])
	assert.Equal(t, false, resp["completed"])
	assert.Nil(t, resp["error"])
	assert.Equal(t, []any{}, resp["files"])
}

func TestDownloadUnknownFile(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	w := srv.do(http.MethodGet, "/download/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "file not found", decode(t, w)["error"])
}

func TestDownloadFileGoneFromDisk(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	task, _ := srv.reg.Create("https://youtu.be/x")
	require.NoError(t, srv.reg.Succeed(task.ID, []model.ResultFile{
		{ID: "f1", TaskID: task.ID, Type: model.FileText, Name: "transcript.txt", Path: filepath.Join(srv.storage, "missing.txt")},
	}, "done"))

	w := srv.do(http.MethodGet, "/download/f1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadAllUnknownTask(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	w := srv.do(http.MethodGet, "/download-all/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthBeforeModelLoaded(t *testing.T) {
	srv := newTestServer(t, nil, nil, func(d *Deps) { d.Model = staticModel("not_loaded") })
	_, _ = srv.reg.Create("https://youtu.be/x")

	w := srv.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "not_loaded", resp["whisper_model"])
	assert.EqualValues(t, 1, resp["active_tasks"])
	assert.EqualValues(t, 1, resp["total_tasks"])
	assert.EqualValues(t, 1<<30, resp["storage_free_bytes"])
	_, err := time.Parse(time.RFC3339, resp["timestamp"].(string))
	assert.NoError(t, err)
}

func TestHealthWithoutDiskStats(t *testing.T) {
	srv := newTestServer(t, nil, nil, func(d *Deps) {
		d.DiskFree = func(string) (uint64, error) { return 0, errors.New("statfs failed") }
	})
	resp := decode(t, srv.do(http.MethodGet, "/health", ""))
	assert.NotContains(t, resp, "storage_free_bytes")
	assert.Equal(t, "healthy", resp["status"])
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	ok, _ := srv.reg.Create("https://youtu.be/a")
	bad, _ := srv.reg.Create("https://youtu.be/b")
	_, _ = srv.reg.Create("https://youtu.be/c")
	require.NoError(t, srv.reg.Succeed(ok.ID, []model.ResultFile{{ID: "f", TaskID: ok.ID, Type: model.FileText, Name: "t.txt"}}, "done"))
	require.NoError(t, srv.reg.Fail(bad.ID, "file download failed"))

	resp := decode(t, srv.do(http.MethodGet, "/stats", ""))
	assert.EqualValues(t, 3, resp["total_tasks"])
	assert.EqualValues(t, 2, resp["completed_tasks"])
	assert.EqualValues(t, 1, resp["successful_tasks"])
	assert.EqualValues(t, 1, resp["active_tasks"])
	assert.EqualValues(t, 50, resp["success_rate"])
	assert.Equal(t, "loaded", resp["model_status"])
}

func TestFaviconAndCORS(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	assert.Equal(t, http.StatusNoContent, srv.do(http.MethodGet, "/favicon.ico", "").Code)

	req := httptest.NewRequest(http.MethodOptions, "/convert", nil)
	req.Header.Set("Origin", "https://frontend.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestExpiredTaskIsGoneAfterSweep(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := taskmgr.NewTaskManager(taskmgr.WithClock(clock))
	srv := newTestServer(t, reg, nil, nil)

	task, _ := reg.Create("https://youtu.be/x")
	dir := filepath.Join(srv.storage, task.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "transcript.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, reg.Succeed(task.ID, []model.ResultFile{{ID: "f", TaskID: task.ID, Type: model.FileText, Name: "t.txt", Path: path}}, "done"))

	sweeper := archive.NewSweeper(reg, archive.Config{StorageDir: srv.storage}, nil,
		archive.WithClock(func() time.Time { return now.Add(25 * time.Hour) }))
	sweeper.SweepOnce()

	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/progress/"+task.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/download/f", "").Code)
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
