package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
)

// CaptureFrame grabs a single decoded frame from input. format is the
// ffmpeg input format (e.g. v4l2 or lavfi), empty to autodetect. The frame
// travels as PNG so it is compressed only once, by the FrameEncoder.
func (f *FFmpegWrapper) CaptureFrame(ctx context.Context, input, format string) (image.Image, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args,
		"-i", input,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd := f.BuildCommand(ctx, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg capture failed: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("no frame data captured")
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}
	return img, nil
}
