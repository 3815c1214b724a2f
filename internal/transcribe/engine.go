// Package transcribe wraps the whisper.cpp command line as a blocking
// speech-to-text engine with an asynchronously loaded model.
package transcribe

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yokitheyo/ytscribe/internal/command"
)

const (
	StatusLoaded    = "loaded"
	StatusNotLoaded = "not_loaded"
)

var ErrNotLoaded = errors.New("transcription model is not loaded")

type Config struct {
	WhisperPath string
	ModelPath   string
	// ModelURL is fetched into ModelPath when no model is found there.
	ModelURL    string
	Threads     int
}

// Preprocessor converts arbitrary audio into 16 kHz mono WAV.
type Preprocessor interface {
	ToWAV16kMono(ctx context.Context, in, out string) error
}

type Engine struct {
	cfg    Config
	runner command.Runner
	prep   Preprocessor
	http   *resty.Client
	log    *zap.Logger

	ready     atomic.Bool
	mu        sync.RWMutex
	modelPath string
	loadErr   error

	lookPath  func(string) (string, error)
	stat      func(string) (os.FileInfo, error)
	readDir   func(string) ([]os.DirEntry, error)
	readFile  func(string) ([]byte, error)
	mkdirTemp func(string, string) (string, error)
	removeAll func(string) error
}

func NewEngine(cfg Config, runner command.Runner, prep Preprocessor, log *zap.Logger) *Engine {
	if cfg.WhisperPath == "" {
		cfg.WhisperPath = "whisper-cli"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		runner:    runner,
		prep:      prep,
		http:      resty.New(),
		log:       log.Named("transcribe"),
		lookPath:  exec.LookPath,
		stat:      os.Stat,
		readDir:   os.ReadDir,
		readFile:  os.ReadFile,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
	}
}

// Load locates (or downloads) the model and checks the whisper binary.
// It is meant to run in the background; Ready flips once it succeeds.
func (e *Engine) Load(ctx context.Context) error {
	e.log.Info("loading whisper model", zap.String("model_path", e.cfg.ModelPath))

	path, err := resolveModelPath(e.cfg.ModelPath, e.stat, e.readDir)
	if err != nil && e.cfg.ModelURL != "" {
		e.log.Info("model not found locally, downloading", zap.String("url", e.cfg.ModelURL), zap.NamedError("reason", err))
		path, err = e.download(ctx)
	}
	if err == nil {
		if _, lookErr := e.lookPath(e.cfg.WhisperPath); lookErr != nil {
			err = errors.Wrapf(lookErr, "whisper binary %q not found", e.cfg.WhisperPath)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.loadErr = err
		e.log.Error("whisper model loading failed", zap.Error(err))
		return err
	}
	e.modelPath = path
	e.loadErr = nil
	e.ready.Store(true)
	e.log.Info("whisper model loaded", zap.String("model", path))
	return nil
}

func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Status is the model state as reported by health and stats.
func (e *Engine) Status() string {
	if e.Ready() {
		return StatusLoaded
	}
	return StatusNotLoaded
}

func (e *Engine) LoadError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadErr
}

// Transcribe runs whisper.cpp on audioPath and returns the transcript text.
func (e *Engine) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	if !e.Ready() {
		return "", ErrNotLoaded
	}
	e.mu.RLock()
	model := e.modelPath
	e.mu.RUnlock()

	tmp, err := e.mkdirTemp("", "ytscribe-whisper-*")
	if err != nil {
		return "", errors.Wrap(err, "create workspace")
	}
	defer func() {
		if err := e.removeAll(tmp); err != nil {
			e.log.Warn("cannot remove whisper workspace", zap.String("dir", tmp), zap.Error(err))
		}
	}()

	wav := filepath.Join(tmp, "input.wav")
	if err := e.prep.ToWAV16kMono(ctx, audioPath, wav); err != nil {
		return "", errors.Wrap(err, "audio preprocessing")
	}

	base := filepath.Join(tmp, "transcript")
	args := buildWhisperArgs(model, wav, base, language, e.cfg.Threads)
	res, err := e.runner.Run(ctx, e.cfg.WhisperPath, args...)
	if err != nil {
		return "", command.Failure("whisper", res, err)
	}

	content, err := e.readFile(base + ".txt")
	if err != nil {
		return "", errors.Wrap(err, "whisper finished but transcript is missing")
	}
	return strings.TrimSpace(string(content)), nil
}

func (e *Engine) download(ctx context.Context) (string, error) {
	dest := modelDownloadPath(e.cfg.ModelPath, e.cfg.ModelURL)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.WithStack(err)
	}

	partial := dest + ".part"
	resp, err := e.http.R().SetContext(ctx).SetOutput(partial).Get(e.cfg.ModelURL)
	if err != nil {
		_ = os.Remove(partial)
		return "", errors.Wrap(err, "model download")
	}
	if resp.IsError() {
		_ = os.Remove(partial)
		return "", errors.Errorf("model download: unexpected status %s", resp.Status())
	}
	if err := os.Rename(partial, dest); err != nil {
		return "", errors.WithStack(err)
	}
	return dest, nil
}

// resolveModelPath accepts a model file or a directory holding .bin/.gguf models.
func resolveModelPath(raw string, stat func(string) (os.FileInfo, error), readDir func(string) ([]os.DirEntry, error)) (string, error) {
	modelPath := strings.TrimSpace(raw)
	if modelPath == "" {
		return "", errors.New("model path is required")
	}

	info, err := stat(modelPath)
	if err != nil {
		return "", errors.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := readDir(modelPath)
	if err != nil {
		return "", errors.Errorf("cannot read model directory: %s", modelPath)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", errors.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}
	sort.Strings(names)
	return filepath.Join(modelPath, names[0]), nil
}

// modelDownloadPath keeps an explicit model file name, otherwise names the
// file after the URL inside the model directory.
func modelDownloadPath(modelPath, url string) string {
	ext := strings.ToLower(filepath.Ext(modelPath))
	if ext == ".bin" || ext == ".gguf" {
		return modelPath
	}
	name := filepath.Base(strings.SplitN(url, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "model.bin"
	}
	if modelPath == "" {
		modelPath = "models"
	}
	return filepath.Join(modelPath, name)
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func buildWhisperArgs(modelPath, audioPath, textBase, language string, threads int) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", textBase,
		"-otxt",
		"-np",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	return args
}
