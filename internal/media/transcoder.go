package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// ErrTranscodeFailed wraps every transcoding failure so callers can branch on
// it without knowing the codec.
var ErrTranscodeFailed = errors.New("media transcode failed")

// Options bound the output image.
type Options struct {
	MaxWidth int
	Quality  int
}

// DefaultOptions matches the outbound image profile: fit to 1024px wide,
// JPEG quality 80.
func DefaultOptions() Options {
	return Options{MaxWidth: 1024, Quality: 80}
}

// Transcoder converts an uploaded image into the outbound wire format.
type Transcoder interface {
	Transcode(input []byte, opts Options) ([]byte, error)
}

// JPEGTranscoder decodes PNG/GIF/JPEG input, scales it down to MaxWidth when
// wider, and re-encodes as JPEG.
type JPEGTranscoder struct{}

func NewJPEGTranscoder() *JPEGTranscoder { return &JPEGTranscoder{} }

func (t *JPEGTranscoder) Transcode(input []byte, opts Options) ([]byte, error) {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultOptions().MaxWidth
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultOptions().Quality
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrTranscodeFailed, err)
	}

	bounds := src.Bounds()
	if bounds.Dx() > opts.MaxWidth {
		height := bounds.Dy() * opts.MaxWidth / bounds.Dx()
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, opts.MaxWidth, height))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrTranscodeFailed, err)
	}
	return out.Bytes(), nil
}

// MockTranscoder is a test double that passes input through or fails.
type MockTranscoder struct {
	Err    error
	Output []byte
	Calls  int
}

func (m *MockTranscoder) Transcode(input []byte, _ Options) ([]byte, error) {
	m.Calls++
	if m.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, m.Err)
	}
	if m.Output != nil {
		return m.Output, nil
	}
	return input, nil
}
