package media

import (
	"context"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/yokitheyo/ytscribe/internal/command"
)

// FFmpeg builds ffmpeg invocations with ffmpeg-go and runs them through a Runner.
type FFmpeg struct {
	path   string
	runner command.Runner
}

func NewFFmpeg(path string, runner command.Runner) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &FFmpeg{path: path, runner: runner}
}

// ToMP3 drops any video stream and encodes audio as MP3 at the given bitrate.
func (f *FFmpeg) ToMP3(ctx context.Context, in, out, bitrate string) error {
	args := ffmpeg.Input(in).
		Output(out, ffmpeg.KwArgs{"vn": "", "c:a": "libmp3lame", "b:a": bitrate}).
		OverWriteOutput().
		GetArgs()
	return f.run(ctx, args)
}

// ToWAV16kMono produces the PCM input whisper.cpp expects.
func (f *FFmpeg) ToWAV16kMono(ctx context.Context, in, out string) error {
	args := ffmpeg.Input(in).
		Output(out, ffmpeg.KwArgs{"vn": "", "ac": 1, "ar": 16000, "c:a": "pcm_s16le"}).
		OverWriteOutput().
		GetArgs()
	return f.run(ctx, args)
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	args = append([]string{"-hide_banner", "-nostdin"}, args...)
	res, err := f.runner.Run(ctx, f.path, args...)
	if err != nil {
		return errors.WithStack(command.Failure("ffmpeg", res, err))
	}
	return nil
}
