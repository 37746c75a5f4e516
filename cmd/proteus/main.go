// Command proteus plays .prot and .mka multi-track audio containers, or
// sets of standalone audio files, through the real-time mixing engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/proteus-audio/proteus/internal/config"
	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/internal/engine"
	"github.com/proteus-audio/proteus/internal/observe"
	"github.com/proteus-audio/proteus/internal/player"
	"github.com/proteus-audio/proteus/pkg/audio"
)

func main() {
	os.Exit(run())
}

type flags struct {
	configPath    string
	seek          float64
	gain          float64
	seed          uint64
	startBufferMS float64
	trackEOSMS    float64
	readDurations bool
	scanDurations bool
	decodeOnly    bool
	probeOnly     bool
	verifyOnly    bool
	noGapless     bool
}

func run() int {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML configuration file")
	flag.Float64Var(&f.seek, "seek", 0, "start playback at this position in seconds")
	flag.Float64Var(&f.gain, "gain", -1, "output volume in [0, 1]; overrides the config value")
	flag.Uint64Var(&f.seed, "seed", 0, "shuffle RNG seed for reproducible schedules (0 = random)")
	flag.Float64Var(&f.startBufferMS, "start-buffer-ms", -1, "minimum buffered ms per slot before mixing begins")
	flag.Float64Var(&f.trackEOSMS, "track-eos-ms", -1, "decoder inactivity ms before a track is declared finished")
	flag.BoolVar(&f.readDurations, "read-durations", false, "print track durations from container metadata and exit")
	flag.BoolVar(&f.scanDurations, "scan-durations", false, "scan every packet of the container to measure durations and exit")
	flag.BoolVar(&f.decodeOnly, "decode-only", false, "run the full pipeline without an audio device")
	flag.BoolVar(&f.probeOnly, "probe-only", false, "print the container model and shuffle schedule and exit")
	flag.BoolVar(&f.verifyOnly, "verify-only", false, "decode and mix everything, checking output sanity")
	flag.BoolVar(&f.noGapless, "no-gapless", false, "disable the shared-container reader fast path")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: proteus [flags] <file.prot|file.mka|audio files...>")
		return 1
	}

	cfg, ok := loadConfig(f.configPath)
	if !ok {
		return 1
	}
	applyFlagOverrides(cfg, &f)

	slog.SetDefault(observe.NewLogger(string(cfg.LogLevel)))

	metrics, shutdownMetrics := setupMetrics(cfg)
	if shutdownMetrics != nil {
		defer shutdownMetrics()
	}

	seed := cfg.Playback.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed))

	model, err := openModel(flag.Args(), rng)
	if err != nil {
		slog.Error("failed to open input", "err", err)
		return 1
	}

	switch {
	case f.probeOnly:
		printProbe(model)
		return 0
	case f.readDurations:
		printDurations(model)
		return 0
	case f.scanDurations:
		return scanDurations(model)
	case f.verifyOnly:
		return verifyOutput(model, cfg, f.seek)
	}

	opts := []player.Option{}
	if f.decodeOnly {
		opts = append(opts, player.WithSinkFactory(func(audio.Format) (player.Sink, error) {
			return player.NewDiscardSink(), nil
		}))
	}

	p := player.New(model, cfg.Playback, metrics, opts...)
	p.PlayAt(f.seek)

	// Live config reload: volume changes apply without restarting playback.
	if f.configPath != "" {
		watcher, err := config.NewWatcher(f.configPath, func(_, next *config.Config) {
			p.SetVolume(next.Playback.Volume)
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("interrupt received; stopping")
		p.Stop()
	}()

	p.WaitUntilEnd()
	return 0
}

func loadConfig(path string) (*config.Config, bool) {
	if path == "" {
		return config.Default(), true
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proteus: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func applyFlagOverrides(cfg *config.Config, f *flags) {
	if f.gain >= 0 {
		cfg.Playback.Volume = math.Min(f.gain, 1)
	}
	if f.startBufferMS >= 0 {
		cfg.Playback.StartBufferMS = f.startBufferMS
	}
	if f.trackEOSMS >= 0 {
		cfg.Playback.TrackEOSMS = f.trackEOSMS
	}
	if f.seed != 0 {
		cfg.Playback.Seed = f.seed
	}
	if f.noGapless {
		cfg.Playback.NoGapless = true
	}
}

// setupMetrics initialises the OTel provider and /metrics endpoint when
// enabled. Returns a nil Metrics when disabled, which switches all
// instrumentation off.
func setupMetrics(cfg *config.Config) (*observe.Metrics, func()) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}

	shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "proteus",
	})
	if err != nil {
		slog.Warn("metrics provider init failed; continuing without metrics", "err", err)
		return nil, nil
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Warn("metric instrument creation failed; continuing without metrics", "err", err)
		return nil, func() { _ = shutdown(context.Background()) }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics endpoint failed", "err", err)
		}
	}()

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = shutdown(ctx)
	}
}

// openModel builds the container model: one .prot/.mka argument opens a
// container, anything else is treated as a list of standalone audio files,
// one track per file.
func openModel(args []string, rng *rand.Rand) (*container.Model, error) {
	if len(args) == 1 {
		switch strings.ToLower(filepath.Ext(args[0])) {
		case ".prot", ".mka":
			return container.Open(args[0], rng)
		}
	}

	tracks := make([]container.PathsTrack, 0, len(args))
	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("input %q: %w", path, err)
		}
		tracks = append(tracks, container.PathsTrack{FilePaths: []string{path}, Level: 1})
	}
	return container.NewFromPaths(tracks, rng)
}

func printProbe(model *container.Model) {
	if meta := model.Metadata(); meta != nil {
		fmt.Printf("container: %s\n", model.Path())
		fmt.Printf("duration: %.3fs\n", meta.Duration)
		for _, t := range meta.Tracks {
			fmt.Printf("track %d: codec=%s channels=%d rate=%.0f name=%q\n",
				t.Number, t.CodecID, t.Channels, t.SampleRate, t.Name)
		}
		for _, a := range meta.Attachments {
			fmt.Printf("attachment: %s (%d bytes, %s)\n", a.Name, len(a.Data), a.MimeType)
		}
	}
	fmt.Println("schedule:")
	for _, entry := range model.ScheduleForDisplay() {
		fmt.Printf("  %8.3fs  %v\n", entry[0], entry[1])
	}
}

func printDurations(model *container.Model) {
	meta := model.Metadata()
	if meta == nil {
		fmt.Println("durations are only recorded for containers")
		return
	}
	for _, t := range meta.Tracks {
		fmt.Printf("track %d: %.3fs\n", t.Number, t.Duration)
	}
}

// scanDurations demuxes the whole container once, measuring each track's
// real extent from its packet timestamps.
func scanDurations(model *container.Model) int {
	meta := model.Metadata()
	if meta == nil {
		fmt.Println("duration scanning is only supported for containers")
		return 1
	}

	last := make(map[uint64]float64)
	err := container.ReadPackets(model.Path(), nil, func(p container.Packet) error {
		if p.Timestamp > last[p.TrackNumber] {
			last[p.TrackNumber] = p.Timestamp
		}
		return nil
	})
	if err != nil {
		slog.Error("duration scan failed", "err", err)
		return 1
	}
	for _, t := range meta.Tracks {
		fmt.Printf("track %d: %.3fs\n", t.Number, last[t.Number])
	}
	return 0
}

// verifyOutput runs the engine without a sink and checks every emitted
// sample for NaNs, infinities and clipping.
func verifyOutput(model *container.Model, cfg *config.Config, seek float64) int {
	format := audio.Format{SampleRate: 44100, Channels: audio.OutputChannels}
	if meta := model.Metadata(); meta != nil && len(meta.Tracks) > 0 && meta.Tracks[0].SampleRate > 0 {
		format.SampleRate = int(meta.Tracks[0].SampleRate)
	}

	chain, err := player.BuildChain(model, format)
	if err != nil {
		slog.Error("effect chain build failed", "err", err)
		return 1
	}

	eng := engine.New(model, format, chain, engine.Config{
		StartBufferMS: cfg.Playback.StartBufferMS,
		MinMixMS:      cfg.Playback.MinMixMS,
		TrackEOSMS:    cfg.Playback.TrackEOSMS,
	}, nil)

	var chunks, samples, nans, clips int
	for chunk := range eng.Start(seek) {
		chunks++
		samples += len(chunk.Samples)
		for _, s := range chunk.Samples {
			switch {
			case math.IsNaN(float64(s)) || math.IsInf(float64(s), 0):
				nans++
			case s > 1 || s < -1:
				clips++
			}
		}
	}

	fmt.Printf("chunks=%d samples=%d duration=%.3fs nans=%d clips=%d\n",
		chunks, samples, format.Seconds(samples), nans, clips)
	if nans > 0 {
		return 1
	}
	return 0
}
