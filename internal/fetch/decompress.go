package fetch

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Header names and content codings the client deals with.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"

	acceptEncodingHeader = EncodingGzip + ", " + EncodingDeflate + ", " + EncodingBrotli
)

type decoderFunc func(io.Reader) (io.Reader, error)

// decoders maps a Content-Encoding token to its decoder. Manifests are often
// served compressed; media segments almost never are.
var decoders = map[string]decoderFunc{
	EncodingGzip: func(r io.Reader) (io.Reader, error) {
		return gzip.NewReader(r)
	},
	EncodingDeflate: func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	},
	EncodingBrotli: func(r io.Reader) (io.Reader, error) {
		return brotli.NewReader(r), nil
	},
}

// wrapDecompression returns resp.Body decoded per its Content-Encoding.
// Identity, unknown codings and decoder setup failures yield the raw body.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	coding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	if coding == "" || coding == "identity" {
		return resp.Body
	}

	decode, ok := decoders[coding]
	if !ok {
		c.logger.Debug("passing through body with unhandled content coding",
			slog.String("encoding", coding),
		)
		return resp.Body
	}

	dec, err := decode(resp.Body)
	if err != nil {
		c.logger.Warn("content decoder setup failed, using body as-is",
			slog.String("encoding", coding),
			slog.String("error", err.Error()),
		)
		return resp.Body
	}
	return &decodedBody{Reader: dec, body: resp.Body}
}

// decodedBody reads through a decoder and closes both it and the wire body.
type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.body.Close()
}

// cappedBody fails with ErrResponseTooLarge once more than the cap has been
// read. It sits after decoding so the cap applies to decoded bytes.
type cappedBody struct {
	rc   io.ReadCloser
	left int64
	over bool
}

func newLimitedReader(rc io.ReadCloser, limit int64) *cappedBody {
	return &cappedBody{rc: rc, left: limit}
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.over {
		return 0, ErrResponseTooLarge
	}
	n, err := b.rc.Read(p)
	if b.left -= int64(n); b.left < 0 {
		b.over = true
		return n, ErrResponseTooLarge
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.rc.Close()
}
