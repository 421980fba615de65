// Package manifest loads a VOD manifest and turns it into the immutable
// media.Manifest the player works from. DASH and HLS are supported; the
// format is detected from the document itself.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest/dash"
	"github.com/jmylchreest/abrplay/internal/manifest/hls"
	"github.com/jmylchreest/abrplay/internal/media"
)

// Format identifies a manifest format.
type Format string

const (
	FormatDASH Format = "dash"
	FormatHLS  Format = "hls"
)

// Getter downloads manifest documents.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Detect reports the format of a manifest document.
func Detect(data []byte) Format {
	trimmed := bytes.TrimLeft(data, "\xef\xbb\xbf \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return FormatHLS
	}
	return FormatDASH
}

// Load fetches and parses the manifest at url. Parse failures wrap
// media.ErrInvalidManifest; download failures are returned as is.
func Load(ctx context.Context, g Getter, url string, logger *slog.Logger) (*media.Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	data, err := g.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}

	format := Detect(data)
	var m *media.Manifest
	switch format {
	case FormatHLS:
		m, err = hls.Parse(ctx, g, url, data)
	default:
		m, err = dash.Parse(url, data)
	}
	if err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("url", url),
		slog.String("format", string(format)),
		slog.Duration("duration", m.Duration),
		slog.Duration("elapsed", time.Since(start)),
	}
	for _, track := range m.Tracks() {
		attrs = append(attrs, slog.Int(track.String()+"_representations", len(m.Catalog(track))))
	}
	logger.Info("manifest loaded", attrs...)
	return m, nil
}
