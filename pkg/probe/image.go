package probe

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"

	_ "golang.org/x/image/webp"
)

// DefaultImageMaxBytes caps how much of an image body is read.
const DefaultImageMaxBytes = 16 << 20

// ErrNotImage means the body did not decode as an image.
var ErrNotImage = errors.New("not a recognizable image")

// ImageInfo is what a successful image probe learned.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// ImageProber fetches an image and decodes all of it. This is the
// server-side counterpart of waiting for an <img> load event, which fires
// only once the whole image decoded.
type ImageProber struct {
	Client   *http.Client
	MaxBytes int64
}

// Probe implements gate.Prober.
func (p *ImageProber) Probe(ctx context.Context, url string) error {
	_, err := p.Inspect(ctx, url)
	return err
}

// Inspect fetches url and decodes the full body. A body larger than
// MaxBytes is an error rather than a partial decode.
func (p *ImageProber) Inspect(ctx context.Context, url string) (ImageInfo, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultImageMaxBytes
	}

	resp, err := get(ctx, client, url, http.Header{"Accept": {"image/*"}})
	if err != nil {
		return ImageInfo{}, err
	}
	defer drain(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > limit {
		return ImageInfo{}, fmt.Errorf("%s: body exceeds %d bytes", url, limit)
	}
	if len(body) == 0 {
		return ImageInfo{}, fmt.Errorf("%s: empty body: %w", url, ErrNotImage)
	}

	var info ImageInfo
	if isSVG(body, resp.Header.Get("Content-Type")) {
		info, err = decodeSVG(bytes.NewReader(body))
	} else {
		info, err = decodeRaster(body)
	}
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%s: %w", url, err)
	}
	return info, nil
}

// decodeRaster decodes every pixel of a png, jpeg, gif or webp body.
func decodeRaster(body []byte) (ImageInfo, error) {
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return ImageInfo{}, fmt.Errorf("%w: empty %s canvas", ErrNotImage, format)
	}
	return ImageInfo{Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}

func isSVG(head []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "svg") {
		return true
	}
	if len(head) > 512 {
		head = head[:512]
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(head, []byte("\xef\xbb\xbf")), " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("<svg")) ||
		bytes.HasPrefix(trimmed, []byte("<?xml")) ||
		bytes.HasPrefix(trimmed, []byte("<!DOCTYPE svg"))
}

// decodeSVG reads the whole token stream. The root element must be <svg>
// and the document must close it.
func decodeSVG(r io.Reader) (ImageInfo, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.Entity = xml.HTMLEntity

	var (
		info   ImageInfo
		depth  int
		closed bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ImageInfo{}, fmt.Errorf("%w: %v", ErrNotImage, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if closed {
				return ImageInfo{}, fmt.Errorf("%w: content after </svg>", ErrNotImage)
			}
			if depth == 0 {
				if el.Name.Local != "svg" {
					return ImageInfo{}, fmt.Errorf("%w: root element <%s>", ErrNotImage, el.Name.Local)
				}
				info.Format = "svg"
				for _, a := range el.Attr {
					switch a.Name.Local {
					case "width":
						info.Width = svgLength(a.Value)
					case "height":
						info.Height = svgLength(a.Value)
					}
				}
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				closed = true
			}
		}
	}
	if !closed {
		return ImageInfo{}, fmt.Errorf("%w: svg root not closed", ErrNotImage)
	}
	return info, nil
}

// svgLength parses the integer part of lengths such as "390" or "390px".
func svgLength(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
