package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/util"
)

// ErrTooLarge is returned when a remote asset exceeds the configured size.
var ErrTooLarge = errors.New("media: asset exceeds size limit")

// Asset is a downloaded media payload.
type Asset struct {
	URL  string
	Data []byte
	Info Info
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithMaxBytes caps the size of a downloaded asset.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// Fetcher downloads and probes public media URLs.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   zerolog.Logger
}

// NewFetcher constructs a Fetcher. Per-call deadlines come from the context.
func NewFetcher(logger zerolog.Logger, opts ...FetcherOption) *Fetcher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	f := &Fetcher{
		client:   &http.Client{},
		maxBytes: 16 << 20,
		logger:   logger.With().Str("component", "media").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch downloads rawURL in full and sniffs its content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Asset, error) {
	body, err := f.open(ctx, rawURL)
	if err != nil {
		return Asset{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return Asset{}, common.WrapTransient(fmt.Errorf("media: fetch: read body: %w", err))
	}
	if int64(len(data)) > f.maxBytes {
		return Asset{}, fmt.Errorf("%w: %w: more than %d bytes", common.ErrPermanent, ErrTooLarge, f.maxBytes)
	}
	if len(data) == 0 {
		return Asset{}, common.WrapPermanent(errors.New("media: fetch: empty body"))
	}

	info := Sniff(data)
	f.logger.Debug().Str("url", rawURL).Str("mime", info.MimeType).Int("bytes", len(data)).Msg("media: asset fetched")
	return Asset{URL: rawURL, Data: data, Info: info}, nil
}

// Probe reads only the leading bytes of rawURL to classify it.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) (Info, error) {
	body, err := f.open(ctx, rawURL)
	if err != nil {
		return Info{}, err
	}
	defer body.Close()

	head, err := io.ReadAll(io.LimitReader(body, SniffLimit))
	if err != nil {
		return Info{}, common.WrapTransient(fmt.Errorf("media: probe: read body: %w", err))
	}
	if len(head) == 0 {
		return Info{}, common.WrapPermanent(errors.New("media: probe: empty body"))
	}
	return Sniff(head), nil
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target, err := util.ValidateMediaURL(rawURL)
	if err != nil {
		return nil, common.WrapPermanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, common.WrapPermanent(fmt.Errorf("media: new request: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("media: http do: %w", ctxErr)
		}
		return nil, common.WrapTransient(fmt.Errorf("media: http do: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	err = fmt.Errorf("media: http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, common.WrapTransient(err)
	}
	return nil, common.WrapPermanent(err)
}
