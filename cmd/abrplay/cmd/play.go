package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrplay/internal/clock"
	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/fetch"
	internalhttp "github.com/jmylchreest/abrplay/internal/http"
	"github.com/jmylchreest/abrplay/internal/http/handlers"
	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/player"
	"github.com/jmylchreest/abrplay/internal/sink"
	"github.com/jmylchreest/abrplay/internal/urlutil"
	"github.com/jmylchreest/abrplay/internal/version"
	"github.com/jmylchreest/abrplay/pkg/format"
)

const (
	driveInterval = 100 * time.Millisecond
	// startupBuffer is how much media every track needs before the playhead
	// starts or resumes after a stall.
	startupBuffer = 2 * time.Second
)

var playCmd = &cobra.Command{
	Use:   "play <manifest-url>",
	Short: "Play a DASH or HLS asset",
	Long: `Play a video-on-demand asset from a DASH MPD or HLS playlist, given as a
URL or a local path.

The playhead advances in real time (scaled by --speed) once every track has
buffered enough to start, pauses while a track runs dry, and the command
exits when the end of the asset has been played.

Examples:
  abrplay play https://example.com/vod/manifest.mpd
  abrplay play --seek 2m --quality 720p https://example.com/vod/master.m3u8
  abrplay play ./testdata/asset/manifest.mpd
  abrplay play --sink file --output ./capture --speed 4 https://example.com/vod/manifest.mpd`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Duration("seek", 0, "start playback at this position")
	playCmd.Flags().String("quality", "", "pin the video track to this representation id")
	playCmd.Flags().Bool("audio", true, "play the audio track when the asset has one")
	playCmd.Flags().Float64("speed", 1, "playback rate")
	playCmd.Flags().Duration("target-buffer", player.DefaultTargetBuffer, "media to keep buffered ahead of the playhead")
	playCmd.Flags().String("sink", "memory", "media sink (memory, file)")
	playCmd.Flags().String("output", "./capture", "capture directory for the file sink")
	playCmd.Flags().Bool("api", false, "serve the control API")
	playCmd.Flags().Int("api-port", 8090, "control API port")

	mustBindPFlag("player.audio", playCmd.Flags().Lookup("audio"))
	mustBindPFlag("player.playback_rate", playCmd.Flags().Lookup("speed"))
	mustBindPFlag("player.target_buffer", playCmd.Flags().Lookup("target-buffer"))
	mustBindPFlag("sink.kind", playCmd.Flags().Lookup("sink"))
	mustBindPFlag("sink.output_dir", playCmd.Flags().Lookup("output"))
	mustBindPFlag("api.enabled", playCmd.Flags().Lookup("api"))
	mustBindPFlag("api.port", playCmd.Flags().Lookup("api-port"))
}

// playOptions are the one-shot actions applied once playback has started.
type playOptions struct {
	seek       time.Duration
	quality    string
	keepBehind time.Duration
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newFetchClient(cfg, logger)

	m, err := loadManifest(ctx, client, args[0], logger)
	if err != nil {
		return err
	}

	s, mem, err := openSink(cfg.Sink, cfg.Player.Tolerance, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("closing sink", slog.String("error", cerr.Error()))
		}
	}()

	playhead := clock.NewPlayhead(m.Duration, cfg.Player.PlaybackRate)

	p, err := player.New(m, client, s, playhead, cfg.Player.ToPlayer(),
		player.WithLogger(logger),
		player.WithOnStats(func(st player.Stats) { logStats(logger, st) }),
		player.WithOnEnd(func() { logger.Info("end of stream signalled") }),
	)
	if err != nil {
		return fmt.Errorf("creating player: %w", err)
	}

	seek, _ := cmd.Flags().GetDuration("seek")
	quality, _ := cmd.Flags().GetString("quality")
	opts := playOptions{seek: seek, quality: quality, keepBehind: cfg.Sink.KeepBehind}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		finished, err := drive(gctx, p, playhead, mem, opts, logger)
		if finished {
			logger.Info("playback finished", slog.String("position", format.Timestamp(playhead.Position())))
			cancelRun()
		}
		return err
	})
	if cfg.API.Enabled {
		g.Go(func() error {
			return serveAPI(gctx, cfg.API, p, client, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newFetchClient(cfg *config.Config, logger *slog.Logger) *fetch.Client {
	fc := cfg.Fetch.ToFetch()
	fc.Logger = observability.WithComponent(logger, "fetch")
	if fc.UserAgent == fetch.DefaultUserAgent {
		fc.UserAgent = version.UserAgent()
	}
	return fetch.New(fc)
}

// loadManifest accepts a manifest URL or a local path.
func loadManifest(ctx context.Context, client *fetch.Client, arg string, logger *slog.Logger) (m *media.Manifest, err error) {
	url, err := urlutil.FromArgument(arg)
	if err != nil {
		return nil, err
	}
	if err := urlutil.ValidateURL(url); err != nil {
		return nil, err
	}

	done := observability.TimedOperationWithError(ctx, logger, "load_manifest", &err)
	defer done()

	m, err = manifest.Load(ctx, client, url, observability.WithComponent(logger, "manifest"))
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	return m, nil
}

type closingSink interface {
	sink.Sink
	io.Closer
}

// openSink returns the configured sink, plus the memory sink when that is
// the kind in use so played-out media can be evicted.
func openSink(cfg config.SinkConfig, tolerance time.Duration, logger *slog.Logger) (closingSink, *sink.Memory, error) {
	logger = observability.WithComponent(logger, "sink")
	switch cfg.Kind {
	case "file":
		f, err := sink.NewFile(cfg.OutputDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file sink: %w", err)
		}
		logger.Info("capturing to disk", slog.String("dir", cfg.OutputDir))
		return f, nil, nil
	default:
		mem := sink.NewMemory(sink.MemoryConfig{
			Quota:         cfg.Quota.Bytes(),
			AppendLatency: cfg.AppendLatency,
			Tolerance:     tolerance,
			Logger:        logger,
		})
		return mem, mem, nil
	}
}

// drive plays the presentation side: it applies the start options, starts
// and stalls the playhead according to buffer levels, and evicts played-out
// media. It reports finished once the player has ended and the playhead
// reached the end of the asset.
func drive(ctx context.Context, p *player.Player, playhead *clock.Playhead, mem *sink.Memory, opts playOptions, logger *slog.Logger) (bool, error) {
	ticker := time.NewTicker(driveInterval)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-p.Done():
			return false, nil
		case <-ticker.C:
		}

		state := p.State()
		if !started {
			if state != player.StateRunning {
				continue
			}
			if err := applyStartOptions(ctx, p, opts, logger); err != nil {
				return false, err
			}
			started = true
		}

		if mem != nil && opts.keepBehind > 0 {
			mem.Evict(playhead.Position(), opts.keepBehind)
		}

		if state == player.StateEnded && playhead.Ended() {
			return true, nil
		}

		stats := p.Stats()
		switch {
		case playhead.Playing() && starving(stats):
			playhead.Pause()
			logger.Warn("rebuffering", slog.String("position", format.Timestamp(stats.Position)))
		case !playhead.Playing() && readyToPlay(stats, startupBuffer):
			playhead.Play()
			logger.Info("playing", slog.String("position", format.Timestamp(stats.Position)))
		}
	}
}

func applyStartOptions(ctx context.Context, p *player.Player, opts playOptions, logger *slog.Logger) error {
	if opts.quality != "" {
		if err := p.SetQuality(media.TrackVideo, opts.quality); err != nil {
			return fmt.Errorf("setting quality: %w", err)
		}
		logger.Info("video quality pinned", slog.String("representation", opts.quality))
	}
	if opts.seek > 0 {
		if err := p.Seek(ctx, opts.seek); err != nil {
			return fmt.Errorf("seeking to %s: %w", opts.seek, err)
		}
	}
	return nil
}

// starving reports whether any unfinished track has nothing left to play.
func starving(stats player.Stats) bool {
	for _, t := range stats.Tracks {
		if !t.Exhausted && t.BufferedAhead <= 0 {
			return true
		}
	}
	return false
}

// readyToPlay reports whether every track has at least need buffered, or has
// buffered everything up to the end of the asset.
func readyToPlay(stats player.Stats, need time.Duration) bool {
	if len(stats.Tracks) == 0 {
		return false
	}
	need = min(need, stats.Duration-stats.Position)
	for _, t := range stats.Tracks {
		if t.Exhausted || (need > 0 && t.BufferedAhead >= need) {
			continue
		}
		return false
	}
	return true
}

func logStats(logger *slog.Logger, st player.Stats) {
	attrs := []any{
		slog.String("state", string(st.State)),
		slog.String("position", format.Timestamp(st.Position)),
		slog.String("throughput", format.Bitrate(st.EstimatedThroughput)),
	}
	for _, t := range st.Tracks {
		attrs = append(attrs, slog.Group(string(t.Track),
			slog.String("representation", t.Representation),
			slog.Duration("ahead", t.BufferedAhead.Round(100*time.Millisecond)),
			slog.Int("queue", t.QueueDepth),
			slog.String("fetched", format.Bytes(t.BytesFetched)),
		))
	}
	logger.Debug("playback stats", attrs...)
}

func serveAPI(ctx context.Context, cfg config.APIConfig, p *player.Player, client *fetch.Client, logger *slog.Logger) error {
	srv := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, observability.WithComponent(logger, "api"), version.Version)

	handlers.NewPlayerHandler(p).Register(srv.API())
	handlers.NewHealthHandler(version.Version).WithPlayer(p).WithCircuit(client).Register(srv.API())
	handlers.NewSettingsHandler(client).Register(srv.API())

	return srv.ListenAndServe(ctx)
}
