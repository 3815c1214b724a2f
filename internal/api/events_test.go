package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yokitheyo/ytscribe/internal/events"
	"github.com/yokitheyo/ytscribe/internal/model"
	"github.com/yokitheyo/ytscribe/internal/taskmgr"
)

// readEvents collects the data payloads of "progress" events until the
// stream ends.
func readEvents(t *testing.T, resp *http.Response, out chan<- model.Progress) {
	t.Helper()
	defer close(out)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var view model.Progress
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &view); err == nil {
			out <- view
		}
	}
}

func next(t *testing.T, ch <-chan model.Progress) model.Progress {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return model.Progress{}
	}
}

// waitFor skips events until one satisfies match.
func waitFor(t *testing.T, ch <-chan model.Progress, match func(model.Progress) bool) model.Progress {
	t.Helper()
	for {
		if v := next(t, ch); match(v) {
			return v
		}
	}
}

func TestEventsStreamUntilCompleted(t *testing.T) {
	hub := events.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	reg := taskmgr.NewTaskManager(taskmgr.WithNotifier(hub))
	srv := newTestServer(t, reg, nil, func(d *Deps) { d.Events = hub })
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	task, err := reg.Create("https://youtu.be/x")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/events/" + task.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	views := make(chan model.Progress, 16)
	go readEvents(t, resp, views)

	first := next(t, views)
	assert.Equal(t, 0, first.Progress)
	assert.False(t, first.Completed)

	require.NoError(t, reg.SetProgress(task.ID, 10, "Downloading video..."))
	mid := waitFor(t, views, func(v model.Progress) bool { return v.Progress == 10 })
	assert.Equal(t, "Downloading video...", mid.Status)

	require.NoError(t, reg.Fail(task.ID, "file download failed"))
	last := waitFor(t, views, func(v model.Progress) bool { return v.Completed })
	require.NotNil(t, last.Error)
	assert.Equal(t, "file download failed", *last.Error)

	select {
	case _, ok := <-views:
		assert.False(t, ok, "stream should end after the terminal snapshot")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestEventsCompletedTaskSendsOneSnapshot(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	task, _ := srv.reg.Create("https://youtu.be/x")
	require.NoError(t, srv.reg.Fail(task.ID, "boom"))

	w := srv.do(http.MethodGet, "/events/"+task.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, strings.Count(w.Body.String(), "event:progress"))
	assert.Contains(t, w.Body.String(), `"completed":true`)
}

func TestEventsUnknownTask(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	w := srv.do(http.MethodGet, "/events/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
