package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneDoesNotAlias(t *testing.T) {
	msg := "boom"
	orig := Task{
		ID:    "t1",
		Error: &msg,
		Files: []ResultFile{{ID: "f1", TaskID: "t1", Type: FileVideo, Name: "video_t1.mp4"}},
	}

	c := orig.Clone()
	c.Files[0].Name = "changed"
	*c.Error = "changed"

	assert.Equal(t, "video_t1.mp4", orig.Files[0].Name)
	assert.Equal(t, "boom", *orig.Error)
}

func TestProgressViewNeverNilFiles(t *testing.T) {
	task := Task{ID: "t1", Progress: 30, Status: "Extracting audio..."}

	view := task.ProgressView()
	require.NotNil(t, view.Files)
	assert.Empty(t, view.Files)
	assert.Nil(t, view.Error)
	assert.Equal(t, 30, view.Progress)
}

func TestAge(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task := Task{CreatedAt: created}
	assert.Equal(t, 25*time.Hour, task.Age(created.Add(25*time.Hour)))
}
