// Package decode composes streaming transforms over a response body:
// content-decoding (gzip, deflate, br) followed by charset transcoding to
// UTF-8. Transfer-decoding is the transport codec's job and never appears
// here. A failing stage poisons the stream from the point of failure on;
// chunks already delivered stay valid.
package decode

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/internal/utils"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// DefaultMaxBodySize bounds how much decoded body is read.
const DefaultMaxBodySize int64 = 1024 * 1024 * 1024

// Options The decoder stack options
type Options struct {
	DecompressDisabled    bool  `yaml:"decompress-disabled"`
	CharsetDetectDisabled bool  `yaml:"charset-detect-disabled"`
	MaxBodySize           int64 `yaml:"max-body-size"`
}

// Wrap builds the decoder stack over body per the response headers.
// encoding optionally forces the source charset instead of detection.
// The returned body is forward-only: once drained it keeps yielding end and
// never re-delivers bytes.
func Wrap(body io.ReadCloser, header http.Header, encoding string, opt Options) (io.ReadCloser, error) {
	var r io.Reader = io.LimitReader(body, utils.ZeroOr(opt.MaxBodySize, DefaultMaxBodySize))

	if ce := header.Get("Content-Encoding"); ce != "" && !opt.DecompressDisabled {
		var err error
		r, err = decompressed(ce, r)
		if err != nil {
			_ = body.Close()
			return nil, err
		}
	}

	if encoding != "" {
		enc, _ := charset.Lookup(encoding)
		if enc == nil {
			_ = body.Close()
			return nil, &shuttle.DecodeError{Stage: "charset", Err: fmt.Errorf("unsupported encoding %q", encoding)}
		}
		r = transform.NewReader(r, enc.NewDecoder())
	} else if !opt.CharsetDetectDisabled {
		contentType := header.Get("Content-Type")
		// Detection previews up to 1KiB. An empty preview is an empty
		// body, never an error; a preview read failure re-surfaces on the
		// first Read.
		br := bufio.NewReaderSize(r, charsetPreviewSize)
		preview, _ := br.Peek(charsetPreviewSize)
		r = br
		if len(preview) > 0 {
			enc, name, certain := charset.DetermineEncoding(preview, contentType)
			// Sniffed fallbacks (windows-1252) only apply to character
			// data; transcoding a binary body would corrupt it.
			if name != "utf-8" && (certain || textual(contentType)) {
				r = transform.NewReader(br, enc.NewDecoder())
			}
		}
	}

	return &decodedBody{r: r, closer: body}, nil
}

const charsetPreviewSize = 1024

// textual reports whether the media type carries character data that
// charset sniffing may transcode.
func textual(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") ||
		strings.HasSuffix(mt, "+xml") || strings.HasSuffix(mt, "+json") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript", "application/ecmascript":
		return true
	}
	return false
}

func decompressed(contentEncoding string, reader io.Reader) (io.Reader, error) {
	// In the order decompressed
	for _, encode := range strings.Split(contentEncoding, ",") {
		name := strings.TrimSpace(encode)
		var err error
		switch name {
		case "deflate":
			reader, err = zlib.NewReader(reader)
		case "gzip":
			reader, err = gzip.NewReader(reader)
		case "br":
			reader = brotli.NewReader(reader)
		case "identity", "":
		default:
			err = fmt.Errorf("unsupported compression type %s", name)
		}
		if err != nil {
			return nil, &shuttle.DecodeError{Stage: name, Err: err}
		}
		reader = &stageReader{r: reader, stage: name}
	}
	return reader, nil
}

// stageReader tags mid-stream failures with the stage that produced them.
type stageReader struct {
	r     io.Reader
	stage string
}

func (s *stageReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &shuttle.DecodeError{Stage: s.stage, Err: err}
	}
	return n, err
}

// decodedBody latches the terminal state: EOF stays EOF, a decode failure
// keeps failing.
type decodedBody struct {
	r      io.Reader
	closer io.Closer

	mu   sync.Mutex
	err  error
	done bool
}

func (b *decodedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.done {
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	b.mu.Unlock()

	n, err := b.r.Read(p)
	if err != nil {
		b.mu.Lock()
		b.done = true
		if err != io.EOF {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

func (b *decodedBody) Close() error {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
	return b.closer.Close()
}
