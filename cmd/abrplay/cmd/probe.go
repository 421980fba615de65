package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrplay/internal/inspect"
	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/pkg/format"
)

var probeCmd = &cobra.Command{
	Use:   "probe <manifest-url>",
	Short: "List the representations of an asset",
	Long: `Load a DASH MPD or HLS playlist and list every representation.

Each representation's init segment (or first media segment when there is
none) is fetched and inspected to report the codecs actually carried.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().Bool("json", false, "output as JSON")
	probeCmd.Flags().Int("concurrency", 4, "segments to inspect in parallel")
	probeCmd.Flags().Bool("no-inspect", false, "skip fetching segments")
}

// probeResult describes one representation of the probed asset.
type probeResult struct {
	ID        string          `json:"id"`
	Track     media.TrackType `json:"track"`
	Bandwidth int64           `json:"bandwidth"`
	Codec     string          `json:"codec,omitempty"`
	Width     int             `json:"width,omitempty"`
	Height    int             `json:"height,omitempty"`
	Segments  int             `json:"segments"`
	Duration  time.Duration   `json:"duration"`
	Inspected *inspect.Info   `json:"inspected,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()
	ctx := cmd.Context()

	client := newFetchClient(cfg, logger)
	m, err := loadManifest(ctx, client, args[0], logger)
	if err != nil {
		return err
	}

	results := describeManifest(m)

	noInspect, _ := cmd.Flags().GetBool("no-inspect")
	if !noInspect {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		reps := representations(m)
		inspectAll(ctx, client, reps, results, concurrency, logger)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return printProbe(cmd.OutOrStdout(), m, results)
}

// representations flattens the manifest in track order.
func representations(m *media.Manifest) []*media.Representation {
	var out []*media.Representation
	for _, t := range m.Tracks() {
		out = append(out, m.Catalog(t)...)
	}
	return out
}

func describeManifest(m *media.Manifest) []probeResult {
	reps := representations(m)
	results := make([]probeResult, len(reps))
	for i, r := range reps {
		results[i] = probeResult{
			ID:        r.ID,
			Track:     r.Track,
			Bandwidth: r.Bandwidth,
			Codec:     r.Codec,
			Width:     r.Width,
			Height:    r.Height,
			Segments:  r.Segments.Len(),
			Duration:  r.Segments.Duration(),
		}
	}
	return results
}

// inspectAll fetches one segment per representation and records what
// inspect.Probe finds. Failures are recorded per result, never returned.
func inspectAll(ctx context.Context, g manifest.Getter, reps []*media.Representation, results []probeResult, concurrency int, logger *slog.Logger) {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(concurrency, 1))

	for i, r := range reps {
		eg.Go(func() error {
			url := r.InitURL
			if url == "" {
				url = r.Segments.First().URL
			}
			data, err := g.Get(ctx, url)
			if err != nil {
				logger.Warn("fetching segment for inspection",
					slog.String("representation", r.ID),
					slog.String("error", err.Error()),
				)
				results[i].Error = err.Error()
				return nil
			}
			info, err := inspect.Probe(data)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Inspected = &info
			return nil
		})
	}
	_ = eg.Wait()
}

func printProbe(w io.Writer, m *media.Manifest, results []probeResult) error {
	fmt.Fprintf(w, "%s\nduration %s, %d representations\n\n", m.URL, format.Timestamp(m.Duration), len(results))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tID\tBANDWIDTH\tRESOLUTION\tSEGMENTS\tCODECS")
	for _, r := range results {
		resolution := "-"
		if r.Width > 0 && r.Height > 0 {
			resolution = fmt.Sprintf("%dx%d", r.Width, r.Height)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Track, r.ID, format.Bitrate(float64(r.Bandwidth)), resolution,
			format.Number(int64(r.Segments)), codecs(r))
	}
	return tw.Flush()
}

func codecs(r probeResult) string {
	switch {
	case r.Inspected != nil && len(r.Inspected.Tracks) > 0:
		return fmt.Sprintf("%s (%s)", strings.Join(r.Inspected.Codecs(), ","), r.Inspected.Container)
	case r.Error != "":
		return r.Codec + " (inspect failed)"
	case r.Codec != "":
		return r.Codec
	default:
		return "-"
	}
}
