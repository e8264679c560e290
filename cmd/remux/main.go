// Command remux repairs and resegments live-stream recordings. It reads one
// FLV or fragmented-MP4 capture, rewrites the metadata needed for seeking,
// splits the stream at configured size or duration limits, and writes
// independently playable output files.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/remux/flv"
	"github.com/zsiec/remux/hls"
	"github.com/zsiec/remux/internal/config"
	"github.com/zsiec/remux/pipeline"
	"github.com/zsiec/remux/segment"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	outDir := flag.String("out", "", "output directory (overrides config)")
	baseName := flag.String("name", "", "output file stem (default: input name)")
	maxSize := flag.String("max-size", "", "split output at this size, e.g. 700M")
	maxDur := flag.Duration("max-duration", 0, "split output at this playback time, e.g. 30m")
	creator := flag.String("creator", "", "metadatacreator stamp for FLV output")
	keyframes := flag.Int("keyframes", 0, "reserved keyframe index capacity for FLV output")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <recording>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	input := flag.Arg(0)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	if *baseName != "" {
		cfg.BaseName = *baseName
	}
	if *maxSize != "" {
		n, err := config.ParseSize(*maxSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "-max-size: %v\n", err)
			os.Exit(2)
		}
		cfg.MaxSegmentSize = n
	}
	if *maxDur != 0 {
		cfg.MaxSegmentDuration = config.Duration(*maxDur)
	}
	if *creator != "" {
		cfg.Creator = *creator
	}
	if *keyframes != 0 {
		cfg.KeyframeCapacity = *keyframes
	}
	if cfg.BaseName == "" {
		cfg.BaseName = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}

	level := logLevel(cfg.LogLevel)
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	f, err := os.Open(input)
	if err != nil {
		slog.Error("failed to open recording", "error", err)
		os.Exit(1)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	format, err := detectFormat(br)
	if err != nil {
		slog.Error("failed to detect container", "path", input, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("remux starting",
		"version", version,
		"input", input,
		"format", format,
		"out", cfg.OutputDir,
		"max_size", int64(cfg.MaxSegmentSize),
		"max_duration", time.Duration(cfg.MaxSegmentDuration).String(),
	)

	start := time.Now()
	var runErr error
	switch format {
	case "flv":
		runErr = runFLV(ctx, br, cfg)
	case "fmp4":
		runErr = runFMP4(ctx, br, cfg)
	}
	if runErr != nil {
		slog.Error("remux failed", "error", runErr)
		os.Exit(1)
	}
	slog.Info("remux complete", "elapsed", time.Since(start).String())
}

// detectFormat sniffs the container: the FLV magic, or a leading MP4 box
// (ftyp for full captures, styp/moof for captures that joined mid-stream).
func detectFormat(br *bufio.Reader) (string, error) {
	head, err := br.Peek(8)
	if err != nil {
		return "", fmt.Errorf("recording too short: %w", err)
	}
	if bytes.HasPrefix(head, flv.Signature) {
		return "flv", nil
	}
	switch string(head[4:8]) {
	case "ftyp", "styp", "moof":
		return "fmp4", nil
	}
	return "", fmt.Errorf("unrecognized container (leading bytes % x)", head)
}

func runFLV(ctx context.Context, in io.Reader, cfg config.Config) error {
	writer := flv.NewWriter(flv.WriterConfig{
		Dir:      cfg.OutputDir,
		BaseName: cfg.BaseName,
	}, nil)

	stages := []pipeline.Processor[flv.Record]{
		flv.NewMetadataInjector(flv.InjectorConfig{
			Creator:          cfg.Creator,
			KeyframeCapacity: cfg.KeyframeCapacity,
		}, nil),
		segment.NewLimiter[flv.Record](flv.NewLimiterProfile(), limits(cfg), nil),
	}
	p := pipeline.New[flv.Record](nil, stages...)

	records := make(chan pipeline.Result[flv.Record], flv.RecordBufferSize)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return flv.NewReader(in).Stream(ctx, records)
	})
	g.Go(func() error {
		return p.Run(ctx, records, writer.HandleResult)
	})
	err := g.Wait()

	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	report(p.Stats().Snapshot(), writer.Files(), writer.DecodeErrors())
	return err
}

func runFMP4(ctx context.Context, in io.Reader, cfg config.Config) error {
	writer := hls.NewWriter(hls.WriterConfig{
		Dir:      cfg.OutputDir,
		BaseName: cfg.BaseName,
	}, nil)

	lim := segment.NewLimiter[hls.Record](hls.NewLimiterProfile(nil), limits(cfg), nil)
	p := pipeline.New[hls.Record](nil, lim)

	records := make(chan pipeline.Result[hls.Record], hls.RecordBufferSize)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hls.NewReader(in).Stream(ctx, records)
	})
	g.Go(func() error {
		return p.Run(ctx, records, writer.HandleResult)
	})
	err := g.Wait()

	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	report(p.Stats().Snapshot(), writer.Files(), writer.DecodeErrors())
	return err
}

func report(stats pipeline.StatsSnapshot, files []string, decodeErrs int) {
	slog.Info("run summary",
		"records_in", stats.RecordsIn,
		"records_out", stats.RecordsOut,
		"flushed", stats.Flushed,
		"decode_errors", decodeErrs,
		"files", len(files),
	)
	for _, f := range files {
		slog.Info("output file", "path", f)
	}
}

func limits(cfg config.Config) segment.Limits {
	return segment.Limits{
		MaxBytes:    int64(cfg.MaxSegmentSize),
		MaxDuration: time.Duration(cfg.MaxSegmentDuration),
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
