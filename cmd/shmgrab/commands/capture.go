package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"github.com/bryanchriswhite/shmgrab/internal/output"
	"github.com/bryanchriswhite/shmgrab/internal/platform"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture raw pixels",
	Long: `Capture the root window, a window or a region and write the raw pixel
bytes to a file or stdout. Frame metadata is written to stderr (or to
--meta-file) so stdout carries only pixels.`,
	Example: `  # Capture the whole screen to a file
  shmgrab capture -o screen.raw

  # Capture a window by id
  shmgrab capture --window 0x1c00007 -o window.raw

  # Capture a 200x100 region at (10,20) of the root window, copy path only
  shmgrab capture --region 200x100+10+20 --copy > region.raw

  # Capture the focused window 30 times at 10 fps
  shmgrab capture --active --frames 30 --fps 10 -o frames.raw`,
	RunE: runCapture,
}

var (
	captureWindow   string
	captureRegion   string
	captureActive   bool
	captureCopy     bool
	captureOutput   string
	captureMetaFile string
	captureFormat   string
	captureFrames   int
	captureFPS      int
)

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().StringVarP(&captureWindow, "window", "w", "", "window id (hex or decimal)")
	captureCmd.Flags().StringVarP(&captureRegion, "region", "r", "", "region WxH+X+Y inside the window")
	captureCmd.Flags().BoolVarP(&captureActive, "active", "a", false, "capture the focused window")
	captureCmd.Flags().BoolVar(&captureCopy, "copy", false, "skip shared memory and use the copy path")
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "-", "output file ('-' for stdout)")
	captureCmd.Flags().StringVar(&captureMetaFile, "meta-file", "", "write metadata here instead of stderr")
	captureCmd.Flags().StringVarP(&captureFormat, "format", "f", "yaml", "metadata format (yaml, json or none)")
	captureCmd.Flags().IntVarP(&captureFrames, "frames", "n", 1, "number of frames to capture")
	captureCmd.Flags().IntVar(&captureFPS, "fps", 0, "frame rate for --frames > 1 (default stream.fps)")
}

func runCapture(cmd *cobra.Command, args []string) error {
	target, err := capture.ParseTarget(captureWindow, captureRegion, captureActive)
	if err != nil {
		return err
	}
	if captureFrames < 1 {
		return fmt.Errorf("invalid frame count: %d", captureFrames)
	}
	switch captureFormat {
	case "yaml", "json", "none":
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml', 'json' or 'none')", captureFormat)
	}

	cfg := configMgr.Get()
	session := platform.NewSession(cfg)
	defer session.Stop()

	opts := session.Defaults()
	if captureCopy {
		opts.PreferShared = false
	}

	var w io.Writer = os.Stdout
	if captureOutput != "-" {
		f, err := os.Create(captureOutput)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	sink := output.NewWriterSink(w)
	if err := sink.Start(); err != nil {
		return err
	}
	defer sink.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last *capture.Buffer
	if captureFrames == 1 {
		buf, err := session.Capture(ctx, target, opts)
		if err != nil {
			return err
		}
		if err := sink.WriteFrame(buf); err != nil {
			return err
		}
		last = buf
	} else {
		fps := captureFPS
		if fps <= 0 {
			fps = cfg.Stream.FPS
		}
		done := errors.New("done")
		count := 0
		err := session.Stream(ctx, target, fps, opts, func(buf *capture.Buffer) error {
			if err := sink.WriteFrame(buf); err != nil {
				return err
			}
			last = buf
			count++
			if count == captureFrames {
				return done
			}
			return nil
		})
		if err != nil && !errors.Is(err, done) {
			if last == nil {
				return err
			}
			logger.WithComponent("cli").Warn().Err(err).Int("frames", count).Msg("Capture stopped early")
		}
	}

	frames, bytes := sink.Stats()
	logger.WithComponent("cli").Debug().
		Uint64("frames", frames).
		Uint64("bytes", bytes).
		Str("target", target.String()).
		Msg("Capture written")

	return writeMeta(last, frames)
}

type captureMeta struct {
	Target string `json:"target" yaml:"target"`
	Frames uint64 `json:"frames" yaml:"frames"`
	output.Header `yaml:",inline"`
}

func writeMeta(buf *capture.Buffer, frames uint64) error {
	if captureFormat == "none" || buf == nil {
		return nil
	}

	var w io.Writer = os.Stderr
	if captureMetaFile != "" {
		f, err := os.Create(captureMetaFile)
		if err != nil {
			return fmt.Errorf("failed to create metadata file: %w", err)
		}
		defer f.Close()
		w = f
	}

	target, _ := capture.ParseTarget(captureWindow, captureRegion, captureActive)
	meta := captureMeta{Target: target.String(), Frames: frames, Header: output.HeaderOf(buf)}

	switch captureFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(meta)
	default:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		return encoder.Encode(meta)
	}
}
