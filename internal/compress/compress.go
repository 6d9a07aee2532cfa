// Package compress centralizes the content-encoding decoders shared by the
// strip pipeline, the prefetcher and the synchronizer, so there is exactly
// one place that knows how to undo what the upstream registry sent.
package compress

import (
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// Decode returns a reader over r decoded per contentEncoding: "br", "gzip",
// "deflate", or identity if absent or unrecognized.
func Decode(r io.Reader, contentEncoding string) (io.Reader, error) {
	switch contentEncoding {
	case "br":
		return brotli.NewReader(r), nil
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return r, nil
	}
}
