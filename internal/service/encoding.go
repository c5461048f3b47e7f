package service

import (
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

type newDecoder func(io.Reader) (io.ReadCloser, error)

// Each constructor returns an untyped nil on failure so decodingBody can
// tell "no decoder" from a decoder value.
var decoders = map[string]newDecoder{
	"gzip":    openGzip,
	"x-gzip":  openGzip,
	"deflate": openZlib,
	"br":      openBrotli,
	"zstd":    openZstd,
}

func openGzip(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

func openZlib(r io.Reader) (io.ReadCloser, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

func openBrotli(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}

func openZstd(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

// contentCodings splits a Content-Encoding value into its codings in the
// order they were applied, skipping identity.
func contentCodings(encoding string) []string {
	var codings []string
	for _, c := range strings.Split(encoding, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		codings = append(codings, c)
	}
	return codings
}

// decodeBody wraps body so the caller reads the identity representation,
// which keeps the payload consistent with a response whose Content-Encoding
// header is dropped. Stacked codings are undone in reverse order. It reports
// false, and returns body untouched, when any coding is unknown.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, bool) {
	codings := contentCodings(encoding)
	for _, c := range codings {
		if _, ok := decoders[c]; !ok {
			return body, false
		}
	}

	rc := body
	for i := len(codings) - 1; i >= 0; i-- {
		rc = &decodingBody{src: rc, open: decoders[codings[i]]}
	}
	return rc, true
}

// decodingBody defers opening the decoder until the first read: a HEAD or
// 304 response carries the header but no body. A source that ends before
// yielding a single byte is an empty body, whatever the decoder reports.
type decodingBody struct {
	src  io.ReadCloser
	open newDecoder
	in   *countingReader
	dec  io.ReadCloser
	err  error
}

func (d *decodingBody) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.dec == nil {
		d.in = &countingReader{r: d.src}
		if d.dec, d.err = d.open(d.in); d.err != nil {
			d.err = d.emptyAsEOF(d.err)
			return 0, d.err
		}
	}
	n, err := d.dec.Read(p)
	if err != nil {
		err = d.emptyAsEOF(err)
	}
	return n, err
}

func (d *decodingBody) emptyAsEOF(err error) error {
	if d.in.n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return io.EOF
	}
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Close releases the decoder, if one was opened, and always closes src.
func (d *decodingBody) Close() error {
	var decErr error
	if d.dec != nil {
		decErr = d.dec.Close()
	}
	return errors.Join(decErr, d.src.Close())
}
