package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/yokitheyo/ytscribe/internal/model"
	"go.uber.org/zap"
)

const (
	statusDownloading  = "Downloading video..."
	statusExtracting   = "Extracting audio..."
	statusTranscribing = "Converting speech to text..."
	statusNoAudio      = "No audio track, skipping transcription..."
	statusPackaging    = "Preparing files..."
	statusDone         = "Conversion complete!"

	transcriptFile = "transcript.txt"
)

// Acquirer fetches media for a source URL into dir and returns the produced file path.
type Acquirer interface {
	FetchVideo(ctx context.Context, url, dir string) (string, error)
	FetchAudio(ctx context.Context, url, dir string) (string, error)
}

// Transcriber turns an audio file into text. Transcribe blocks until done.
type Transcriber interface {
	Ready() bool
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

// Registry is the write side of the task registry the worker needs.
type Registry interface {
	SetProgress(taskID string, progress int, status string) error
	Succeed(taskID string, files []model.ResultFile, status string) error
	Fail(taskID string, msg string) error
}

type WorkerConfig struct {
	StorageDir string
	Language   string
}

// Worker drives one task at a time through acquire, transcribe and package.
type Worker struct {
	registry    Registry
	acquirer    Acquirer
	transcriber Transcriber
	cfg         WorkerConfig
	log         *zap.Logger

	stat      func(string) (os.FileInfo, error)
	mkdirAll  func(string, os.FileMode) error
	writeFile func(string, []byte, os.FileMode) error
	newID     func() string
}

func NewWorker(reg Registry, acq Acquirer, tr Transcriber, cfg WorkerConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		registry:    reg,
		acquirer:    acq,
		transcriber: tr,
		cfg:         cfg,
		log:         log.Named("worker"),
		stat:        os.Stat,
		mkdirAll:    os.MkdirAll,
		writeFile:   os.WriteFile,
		newID:       func() string { return uuid.New().String() },
	}
}

// TaskDir is where a task's artifacts live.
func TaskDir(storageDir, taskID string) string {
	return filepath.Join(storageDir, taskID)
}

type acquired struct {
	video string
	audio string
}

// Process runs the whole pipeline for one task and records the outcome on it.
// Stage failures and panics end up on the task, never on the caller.
func (w *Worker) Process(ctx context.Context, taskID, url string) (err error) {
	log := w.log.With(zap.String("task_id", taskID))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("worker panic: %v", r)
			w.fail(log, taskID, "internal error during conversion")
		}
	}()

	if err := w.run(ctx, log, taskID, url); err != nil {
		var se *StageError
		msg := err.Error()
		if errors.As(err, &se) {
			msg = se.Message
		}
		log.Warn("task failed",
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)))
		w.fail(log, taskID, msg)
		return err
	}

	log.Info("task completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (w *Worker) run(ctx context.Context, log *zap.Logger, taskID, url string) error {
	dir := TaskDir(w.cfg.StorageDir, taskID)
	if err := w.mkdirAll(dir, 0o755); err != nil {
		return stageErr(AcquisitionError, "cannot create task directory", err)
	}

	media, serr := w.acquire(ctx, log, taskID, url, dir)
	if serr != nil {
		return serr
	}

	textPath, serr := w.transcribe(ctx, log, taskID, media.audio, dir)
	if serr != nil {
		return serr
	}

	files, serr := w.pack(log, taskID, media, textPath)
	if serr != nil {
		return serr
	}

	if err := w.registry.Succeed(taskID, files, statusDone); err != nil {
		return stageErr(PackagingError, "cannot record result files", err)
	}
	return nil
}

func (w *Worker) acquire(ctx context.Context, log *zap.Logger, taskID, url, dir string) (acquired, *StageError) {
	log = log.With(zap.String("stage", "acquire"))
	w.progress(log, taskID, 10, statusDownloading)

	var out acquired
	t := time.Now()
	video, videoErr := w.acquirer.FetchVideo(ctx, url, dir)
	if videoErr != nil {
		log.Warn("video download failed", zap.Error(videoErr), zap.Duration("elapsed", time.Since(t)))
	} else {
		out.video = video
		log.Info("video downloaded", zap.String("path", video), zap.Duration("elapsed", time.Since(t)))
	}

	w.progress(log, taskID, 30, statusExtracting)

	t = time.Now()
	audio, audioErr := w.acquirer.FetchAudio(ctx, url, dir)
	if audioErr != nil {
		log.Warn("audio extraction failed", zap.Error(audioErr), zap.Duration("elapsed", time.Since(t)))
	} else {
		out.audio = audio
		log.Info("audio extracted", zap.String("path", audio), zap.Duration("elapsed", time.Since(t)))
	}

	if out.video == "" && out.audio == "" {
		cause := errors.Join(videoErr, audioErr)
		if cause == nil {
			cause = errors.New("no media files produced")
		}
		return acquired{}, stageErr(AcquisitionError, "file download failed: "+cause.Error(), cause)
	}
	return out, nil
}

func (w *Worker) transcribe(ctx context.Context, log *zap.Logger, taskID, audio, dir string) (string, *StageError) {
	log = log.With(zap.String("stage", "transcribe"))
	if audio == "" {
		w.progress(log, taskID, 60, statusNoAudio)
		log.Info("transcription skipped, no audio")
		return "", nil
	}
	w.progress(log, taskID, 60, statusTranscribing)

	if !w.transcriber.Ready() {
		return "", stageErr(TranscriptionError, "transcription model is not loaded", nil)
	}

	t := time.Now()
	text, err := w.transcriber.Transcribe(ctx, audio, w.cfg.Language)
	if err != nil {
		return "", stageErr(TranscriptionError, "text conversion failed: "+err.Error(), err)
	}

	textPath := filepath.Join(dir, transcriptFile)
	if err := w.writeFile(textPath, []byte(text), 0o644); err != nil {
		return "", stageErr(TranscriptionError, "cannot write transcript", err)
	}
	log.Info("transcript written", zap.Int("chars", len(text)), zap.Duration("elapsed", time.Since(t)))
	return textPath, nil
}

func (w *Worker) pack(log *zap.Logger, taskID string, media acquired, textPath string) ([]model.ResultFile, *StageError) {
	log = log.With(zap.String("stage", "package"))
	w.progress(log, taskID, 90, statusPackaging)

	candidates := []struct {
		typ  model.FileType
		path string
		name string
	}{
		{model.FileVideo, media.video, "video_" + taskID + filepath.Ext(media.video)},
		{model.FileAudio, media.audio, "audio_" + taskID + ".mp3"},
		{model.FileText, textPath, "transcript_" + taskID + ".txt"},
	}

	files := make([]model.ResultFile, 0, len(candidates))
	for _, c := range candidates {
		if c.path == "" {
			continue
		}
		info, err := w.stat(c.path)
		if err != nil || info.IsDir() {
			log.Warn("output missing, skipping", zap.String("type", string(c.typ)), zap.String("path", c.path))
			continue
		}
		files = append(files, model.ResultFile{
			ID:     w.newID(),
			TaskID: taskID,
			Type:   c.typ,
			Name:   c.name,
			Path:   c.path,
		})
	}

	if len(files) == 0 {
		return nil, stageErr(PackagingError, "no output files were produced", nil)
	}
	log.Info("files packaged", zap.Int("count", len(files)))
	return files, nil
}

func (w *Worker) progress(log *zap.Logger, taskID string, p int, status string) {
	if err := w.registry.SetProgress(taskID, p, status); err != nil {
		log.Warn("progress update rejected", zap.Int("progress", p), zap.Error(err))
	}
}

func (w *Worker) fail(log *zap.Logger, taskID, msg string) {
	if err := w.registry.Fail(taskID, msg); err != nil {
		log.Warn("cannot record failure", zap.Error(err))
	}
}
