package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abema/go-mp4"
)

const (
	// DefaultVideoChunk is the size of each ranged read.
	DefaultVideoChunk = 64 << 10
	// DefaultMaxMoovBytes caps the movie header read into memory.
	DefaultMaxMoovBytes = 8 << 20
	// DefaultMaxSequentialBytes caps how far a server without Range support is read.
	DefaultMaxSequentialBytes = 16 << 20

	maxTopLevelBoxes = 64
	// box parsers seek back to a payload start after reading its header
	sequentialLookback = 64 << 10
)

var (
	// ErrNoMetadata means no movie header was found within the read budget.
	ErrNoMetadata = errors.New("video metadata not found")
	// ErrMalformedBox means an ISO-BMFF box was inconsistent.
	ErrMalformedBox = errors.New("malformed mp4 box")

	errMoovRead = errors.New("moov read")
)

// VideoMetadata is what the browser knows at loadedmetadata time.
type VideoMetadata struct {
	Duration time.Duration
	Width    int
	Height   int
}

// VideoProber reads only the metadata of an MP4 file: top-level boxes are
// walked with Range requests, media data is skipped, and the movie header
// supplies duration and dimensions.
type VideoProber struct {
	Client             *http.Client
	Chunk              int
	MaxMoovBytes       int64
	MaxSequentialBytes int64
}

// Probe implements gate.Prober.
func (p *VideoProber) Probe(ctx context.Context, url string) error {
	_, err := p.Metadata(ctx, url)
	return err
}

// Metadata fetches the movie header of url.
func (p *VideoProber) Metadata(ctx context.Context, url string) (VideoMetadata, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	chunk := p.Chunk
	if chunk <= 0 {
		chunk = DefaultVideoChunk
	}
	maxMoov := p.MaxMoovBytes
	if maxMoov <= 0 {
		maxMoov = DefaultMaxMoovBytes
	}

	resp, err := get(ctx, client, url, rangeHeader(0, chunk))
	if err != nil {
		return VideoMetadata{}, err
	}

	var src fetchSeeker
	if resp.StatusCode == http.StatusPartialContent {
		data, err := io.ReadAll(io.LimitReader(resp.Body, int64(chunk)))
		_ = resp.Body.Close()
		if err != nil {
			return VideoMetadata{}, fmt.Errorf("read %s: %w", url, err)
		}
		src = &rangedSource{
			ctx:    ctx,
			client: client,
			url:    url,
			chunk:  chunk,
			buf:    data,
			size:   contentRangeTotal(resp.Header.Get("Content-Range")),
		}
	} else {
		defer drain(resp.Body)
		budget := p.MaxSequentialBytes
		if budget <= 0 {
			budget = DefaultMaxSequentialBytes
		}
		src = &sequentialSource{
			r:      bufio.NewReader(resp.Body),
			budget: budget,
			size:   resp.ContentLength,
		}
	}

	md, err := readMovieHeader(src, maxMoov)
	if err != nil {
		return VideoMetadata{}, fmt.Errorf("%s: %w", url, err)
	}
	return md, nil
}

// fetchSeeker is an io.ReadSeeker backed by an HTTP response. failure
// reports the transport error that ended a read, if any.
type fetchSeeker interface {
	io.ReadSeeker
	failure() error
}

// readMovieHeader walks top-level boxes until it reaches moov, then reads
// mvhd and the first visual tkhd.
func readMovieHeader(src fetchSeeker, maxMoov int64) (VideoMetadata, error) {
	var (
		md       VideoMetadata
		haveMvhd bool
		boxes    int
	)
	_, err := mp4.ReadBoxStructure(src, func(h *mp4.ReadHandle) (interface{}, error) {
		bi := h.BoxInfo
		if bi.Size < bi.HeaderSize {
			return nil, fmt.Errorf("%w: %s size %d", ErrMalformedBox, bi.Type, bi.Size)
		}

		switch len(h.Path) {
		case 1:
			boxes++
			if boxes > maxTopLevelBoxes {
				return nil, ErrNoMetadata
			}
			if bi.Type != mp4.BoxTypeMoov() {
				return nil, nil
			}
			if body := bi.Size - bi.HeaderSize; body > uint64(maxMoov) {
				return nil, fmt.Errorf("moov of %d bytes exceeds limit %d", body, maxMoov)
			}
			if r, ok := src.(*rangedSource); ok {
				if err := r.prefetch(int64(bi.Offset), int64(bi.Size)); err != nil {
					return nil, err
				}
			}
			if _, err := h.Expand(); err != nil {
				return nil, err
			}
			return nil, errMoovRead

		case 2:
			switch bi.Type {
			case mp4.BoxTypeMvhd():
				box, _, err := h.ReadPayload()
				if err != nil {
					return nil, err
				}
				mvhd, ok := box.(*mp4.Mvhd)
				if !ok {
					return nil, fmt.Errorf("%w: unexpected mvhd payload %T", ErrMalformedBox, box)
				}
				if mvhd.Timescale == 0 {
					return nil, fmt.Errorf("%w: zero timescale", ErrMalformedBox)
				}
				md.Duration = mediaDuration(mvhd.GetDuration(), uint64(mvhd.Timescale))
				haveMvhd = true
			case mp4.BoxTypeTrak():
				if md.Width > 0 && md.Height > 0 {
					return nil, nil
				}
				_, err := h.Expand()
				return nil, err
			}

		case 3:
			if bi.Type != mp4.BoxTypeTkhd() || h.Path[1] != mp4.BoxTypeTrak() {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tkhd, ok := box.(*mp4.Tkhd)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected tkhd payload %T", ErrMalformedBox, box)
			}
			w, ht := int(tkhd.GetWidthInt()), int(tkhd.GetHeightInt())
			if w > 0 && ht > 0 && md.Width == 0 {
				md.Width, md.Height = w, ht
			}
		}
		return nil, nil
	})

	switch {
	case errors.Is(err, errMoovRead):
	case errors.Is(err, ErrNoMetadata), errors.Is(err, ErrMalformedBox):
		return VideoMetadata{}, err
	case src.failure() != nil:
		return VideoMetadata{}, src.failure()
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return VideoMetadata{}, ErrNoMetadata
	default:
		return VideoMetadata{}, fmt.Errorf("%w: %v", ErrMalformedBox, err)
	}
	if !haveMvhd {
		return VideoMetadata{}, ErrNoMetadata
	}
	return md, nil
}

func mediaDuration(duration, timescale uint64) time.Duration {
	secs := duration / timescale
	rem := duration % timescale
	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/timescale)
}

// rangedSource serves reads from a cached window and fetches new windows
// with Range requests. Seeks only move the offset.
type rangedSource struct {
	ctx    context.Context
	client *http.Client
	url    string
	chunk  int

	pos    int64
	buf    []byte
	bufOff int64
	size   int64 // -1 when unknown
	err    error
}

func (s *rangedSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.size >= 0 && s.pos >= s.size {
		return 0, io.EOF
	}
	if s.pos < s.bufOff || s.pos >= s.bufOff+int64(len(s.buf)) {
		if err := s.fetch(s.pos, int64(max(s.chunk, len(p)))); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.buf[s.pos-s.bufOff:])
	s.pos += int64(n)
	return n, nil
}

func (s *rangedSource) Seek(offset int64, whence int) (int64, error) {
	abs, err := seekTarget(s.pos, s.size, offset, whence)
	if err != nil {
		return s.pos, err
	}
	s.pos = abs
	return abs, nil
}

func (s *rangedSource) failure() error { return s.err }

// prefetch loads [off, off+n) in one request unless the window already holds it.
func (s *rangedSource) prefetch(off, n int64) error {
	if off >= s.bufOff && off+n <= s.bufOff+int64(len(s.buf)) {
		return nil
	}
	return s.fetch(off, max(n, int64(s.chunk)))
}

func (s *rangedSource) fetch(off, n int64) error {
	if s.size >= 0 && off+n > s.size {
		n = s.size - off
	}
	if n <= 0 {
		return io.EOF
	}
	resp, err := get(s.ctx, s.client, s.url, rangeHeader(off, int(n)))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusRequestedRangeNotSatisfiable {
			return io.EOF
		}
		s.err = err
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		s.err = fmt.Errorf("range request ignored (status %d)", resp.StatusCode)
		return s.err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		s.err = err
		return err
	}
	if len(data) == 0 {
		return io.EOF
	}
	if s.size < 0 {
		s.size = contentRangeTotal(resp.Header.Get("Content-Range"))
	}
	s.buf, s.bufOff = data, off
	return nil
}

// sequentialSource reads a plain 200 response body under a byte budget.
// Forward seeks discard bytes; backward seeks are served from the last
// sequentialLookback bytes read.
type sequentialSource struct {
	r      *bufio.Reader
	budget int64
	size   int64 // Content-Length, -1 when unknown

	pos  int64 // logical offset
	read int64 // bytes consumed from r
	tail []byte
	err  error
}

func (s *sequentialSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.size >= 0 && s.pos >= s.size {
		return 0, io.EOF
	}
	if s.pos < s.read {
		back := s.read - s.pos
		if back > int64(len(s.tail)) {
			return 0, fmt.Errorf("seek %d bytes back exceeds lookback", back)
		}
		n := copy(p, s.tail[int64(len(s.tail))-back:])
		s.pos += int64(n)
		return n, nil
	}
	if gap := s.pos - s.read; gap > 0 {
		if gap > s.budget {
			return 0, fmt.Errorf("%w: read budget exhausted", ErrNoMetadata)
		}
		skipped, err := io.CopyN(io.Discard, s.r, gap)
		s.read += skipped
		s.budget -= skipped
		s.tail = s.tail[:0]
		if err != nil {
			return 0, s.readErr(err)
		}
	}
	if s.budget <= 0 {
		return 0, fmt.Errorf("%w: read budget exhausted", ErrNoMetadata)
	}
	if int64(len(p)) > s.budget {
		p = p[:s.budget]
	}
	n, err := s.r.Read(p)
	s.read += int64(n)
	s.pos += int64(n)
	s.budget -= int64(n)
	s.tail = append(s.tail, p[:n]...)
	if len(s.tail) > sequentialLookback {
		s.tail = s.tail[len(s.tail)-sequentialLookback:]
	}
	if err != nil {
		return n, s.readErr(err)
	}
	return n, nil
}

func (s *sequentialSource) readErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	s.err = err
	return err
}

func (s *sequentialSource) Seek(offset int64, whence int) (int64, error) {
	abs, err := seekTarget(s.pos, s.size, offset, whence)
	if err != nil {
		return s.pos, err
	}
	s.pos = abs
	return abs, nil
}

func (s *sequentialSource) failure() error { return s.err }

func seekTarget(pos, size, offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = pos + offset
	case io.SeekEnd:
		if size < 0 {
			return 0, errors.New("seek from end: size unknown")
		}
		abs = size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}
	return abs, nil
}

func rangeHeader(off int64, n int) http.Header {
	return http.Header{"Range": {fmt.Sprintf("bytes=%d-%d", off, off+int64(n)-1)}}
}

// contentRangeTotal parses the total from "bytes 0-99/1234"; -1 if unknown.
func contentRangeTotal(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
