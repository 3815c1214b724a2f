// Package media acquires remote media with yt-dlp and normalizes audio with ffmpeg.
package media

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yokitheyo/ytscribe/internal/command"
)

const (
	videoBase    = "video"
	audioSrcBase = "audio_src"
	audioFile    = "audio.mp3"
)

type Config struct {
	YtDlpPath    string
	VideoFormat  string
	AudioFormat  string
	AudioBitrate string
}

// Downloader implements the pipeline's acquisition stage.
type Downloader struct {
	cfg    Config
	runner command.Runner
	ffmpeg *FFmpeg
	log    *zap.Logger

	readDir func(string) ([]os.DirEntry, error)
	remove  func(string) error
}

func NewDownloader(cfg Config, runner command.Runner, ff *FFmpeg, log *zap.Logger) *Downloader {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = "best[ext=mp4]/best"
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "bestaudio/best"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "192k"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Downloader{
		cfg:     cfg,
		runner:  runner,
		ffmpeg:  ff,
		log:     log.Named("media"),
		readDir: os.ReadDir,
		remove:  os.Remove,
	}
}

// FetchVideo downloads the best available video into dir.
func (d *Downloader) FetchVideo(ctx context.Context, url, dir string) (string, error) {
	if err := d.ytdlp(ctx, url, dir, d.cfg.VideoFormat, videoBase); err != nil {
		return "", errors.Wrap(err, "video download")
	}
	path, err := d.find(dir, videoBase)
	if err != nil {
		return "", errors.Wrap(err, "video download")
	}
	return path, nil
}

// FetchAudio downloads the best audio stream and transcodes it to MP3.
func (d *Downloader) FetchAudio(ctx context.Context, url, dir string) (string, error) {
	if err := d.ytdlp(ctx, url, dir, d.cfg.AudioFormat, audioSrcBase); err != nil {
		return "", errors.Wrap(err, "audio download")
	}
	src, err := d.find(dir, audioSrcBase)
	if err != nil {
		return "", errors.Wrap(err, "audio download")
	}

	out := filepath.Join(dir, audioFile)
	if err := d.ffmpeg.ToMP3(ctx, src, out, d.cfg.AudioBitrate); err != nil {
		return "", errors.Wrap(err, "audio transcode")
	}
	if err := d.remove(src); err != nil {
		d.log.Warn("cannot remove intermediate audio", zap.String("path", src), zap.Error(err))
	}
	return out, nil
}

func (d *Downloader) ytdlp(ctx context.Context, url, dir, format, base string) error {
	args := []string{
		"-f", format,
		"-o", filepath.Join(dir, base+".%(ext)s"),
		"--no-playlist",
		"--no-progress",
		"--quiet",
		"--no-warnings",
		url,
	}
	res, err := d.runner.Run(ctx, d.cfg.YtDlpPath, args...)
	if err != nil {
		return command.Failure("yt-dlp", res, err)
	}
	return nil
}

// find returns the finished file named base.<ext> in dir, ignoring partial downloads.
func (d *Downloader) find(dir, base string) (string, error) {
	entries, err := d.readDir(dir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", errors.Errorf("no %s file produced in %s", base, dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}
