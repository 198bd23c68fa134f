package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// DefaultFontConcurrency bounds parallel font fetches.
const DefaultFontConcurrency = 4

// ErrNotFont means a font URL did not serve a known font container.
var ErrNotFont = errors.New("not a recognizable font")

var fontMagics = [][]byte{
	[]byte("wOF2"),
	[]byte("wOFF"),
	{0x00, 0x01, 0x00, 0x00},
	[]byte("OTTO"),
	[]byte("true"),
	[]byte("ttcf"),
}

// FontSet is ready once every face it lists has been fetched and carries a
// font signature, like document.fonts.ready resolving.
type FontSet struct {
	Client      *http.Client
	URLs        []string
	Concurrency int
}

// Ready implements gate.FontWaiter. The first failing face cancels the rest.
func (f *FontSet) Ready(ctx context.Context) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := f.Concurrency
	if limit <= 0 {
		limit = DefaultFontConcurrency
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, url := range f.URLs {
		url := url
		g.Go(func() error {
			return checkFont(ctx, client, url)
		})
	}
	return g.Wait()
}

func checkFont(ctx context.Context, client *http.Client, url string) error {
	resp, err := get(ctx, client, url, nil)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(resp.Body, magic); err != nil {
		return fmt.Errorf("%s: %w: %v", url, ErrNotFont, err)
	}
	for _, m := range fontMagics {
		if string(m) == string(magic) {
			return nil
		}
	}
	return fmt.Errorf("%s: %w: signature %x", url, ErrNotFont, magic)
}
