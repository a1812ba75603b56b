package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/vzahanych/defect-overlay/internal/ai"
	"github.com/vzahanych/defect-overlay/internal/config"
	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/overlay"
	"github.com/vzahanych/defect-overlay/internal/video"
)

var (
	probeRotation int
	probeWidth    int
	probeHeight   int
)

// probeReport is printed by the probe command
type probeReport struct {
	Image      string               `json:"image"`
	Endpoint   string               `json:"endpoint"`
	Encoded    encodedInfo          `json:"encoded"`
	Duration   string               `json:"duration"`
	Detections ai.DetectionSet      `json:"detections"`
	Surface    [2]int               `json:"surface"`
	Rects      []overlay.ScreenRect `json:"rects"`
}

type encodedInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Bytes  int `json:"bytes"`
}

var probeCmd = &cobra.Command{
	Use:   "probe [image]",
	Short: "Submit one still image to the inference endpoint and print the mapped overlay",
	Long: `Submit one still image to the inference endpoint and print the parsed
detections and their mapped screen rectangles. Without an image argument a
single frame is grabbed from the configured source input with ffmpeg.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().IntVar(&probeRotation, "rotation", 0, "clockwise rotation applied before encoding (0, 90, 180, 270)")
	probeCmd.Flags().IntVar(&probeWidth, "width", 0, "surface width (default: overlay.surface_width)")
	probeCmd.Flags().IntVar(&probeHeight, "height", 0, "surface height (default: overlay.surface_height)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfgSvc, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg := cfgSvc.Get()

	img, name, err := probeImage(cmd.Context(), cfg.Source, args, log)
	if err != nil {
		return err
	}

	encoded, err := video.NewFrameEncoder(cfg.Encoder.Quality).EncodeImage(img, probeRotation)
	if err != nil {
		return err
	}

	client, err := newClient(cfg.Inference, log.Named("ai"))
	if err != nil {
		return err
	}
	mapper, err := newMapper(cfg.Overlay)
	if err != nil {
		return err
	}

	start := time.Now()
	body, err := client.Infer(cmd.Context(), encoded)
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	elapsed := time.Since(start)

	set, err := ai.ParseResponse(body, encoded.Width, encoded.Height)
	if err != nil {
		return err
	}
	set = set.FilterConfidence(cfg.Pipeline.MinConfidence)

	w, h := cfg.Overlay.SurfaceWidth, cfg.Overlay.SurfaceHeight
	if probeWidth > 0 && probeHeight > 0 {
		w, h = probeWidth, probeHeight
	}
	rects, err := mapper.Map(set, w, h)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(probeReport{
		Image:    name,
		Endpoint: client.Endpoint(),
		Encoded: encodedInfo{
			Width:  encoded.Width,
			Height: encoded.Height,
			Bytes:  len(encoded.Data),
		},
		Duration:   elapsed.Round(time.Millisecond).String(),
		Detections: set,
		Surface:    [2]int{w, h},
		Rects:      rects,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// probeImage opens the image named in args, or captures one frame from the
// configured source input.
func probeImage(ctx context.Context, src config.SourceConfig, args []string, log *logger.Logger) (image.Image, string, error) {
	if len(args) == 1 {
		img, err := imaging.Open(args[0], imaging.AutoOrientation(true))
		if err != nil {
			return nil, "", fmt.Errorf("failed to open image: %w", err)
		}
		return img, args[0], nil
	}

	if src.Input == "" {
		return nil, "", fmt.Errorf("no image given and source.input is not set")
	}
	ffmpeg, err := video.NewFFmpegWrapper(log)
	if err != nil {
		return nil, "", err
	}
	img, err := ffmpeg.CaptureFrame(ctx, src.Input, src.Format)
	if err != nil {
		return nil, "", err
	}
	return img, src.Input, nil
}
