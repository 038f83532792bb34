// Package artwork fetches and scales the artwork shown next to session
// notifications.
package artwork

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WebP decoder
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/edumarques81/stellar-playback/internal/metrics"
)

// ThumbnailSize is the longest edge of a scaled thumbnail.
type ThumbnailSize int

const (
	// ThumbSmall is for compact notifications.
	ThumbSmall ThumbnailSize = 150
	// ThumbMedium is the default notification artwork size.
	ThumbMedium ThumbnailSize = 300
	// ThumbLarge is for lock-screen style artwork.
	ThumbLarge ThumbnailSize = 500
)

const (
	DefaultUserAgent = "StellarPlayback/0.1 (+https://github.com/edumarques81/stellar-playback)"
	DefaultTimeout   = 10 * time.Second
	// MaxImageSize caps downloads at 10MB.
	MaxImageSize = 10 * 1024 * 1024
	// DefaultRate is the sustained fetch rate, in requests per second.
	DefaultRate  = 4
	DefaultBurst = 8
)

var (
	// ErrNoArtwork is returned when the server has no image for the url.
	ErrNoArtwork = errors.New("no artwork found")
	// ErrTooLarge is returned for images above MaxImageSize.
	ErrTooLarge = errors.New("artwork too large")
)

// Fetcher downloads, decodes and scales thumbnails. Concurrent fetches of the
// same url share one download.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	size       ThumbnailSize
	limiter    *rate.Limiter
	group      singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = client
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithSize sets the thumbnail size. Zero keeps the source dimensions.
func WithSize(size ThumbnailSize) Option {
	return func(f *Fetcher) {
		f.size = size
	}
}

// WithRateLimit sets requests per second and burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewFetcher creates a thumbnail fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  DefaultUserAgent,
		size:       ThumbMedium,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.limiter == nil {
		f.limiter = rate.NewLimiter(DefaultRate, DefaultBurst)
	}
	return f
}

// Fetch returns the scaled image at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (image.Image, error) {
	v, err, shared := f.group.Do(url, func() (interface{}, error) {
		return f.fetch(ctx, url)
	})
	if err != nil {
		metrics.ThumbnailFetches.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	if shared {
		metrics.ThumbnailFetches.WithLabelValues("shared").Inc()
	} else {
		metrics.ThumbnailFetches.WithLabelValues("ok").Inc()
	}
	return v.(image.Image), nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (image.Image, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNoArtwork
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if resp.ContentLength > MaxImageSize {
		return nil, ErrTooLarge
	}
	body := io.LimitReader(resp.Body, MaxImageSize+1)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, ErrTooLarge
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	log.Debug().
		Str("url", url).
		Str("format", format).
		Int("size", int(f.size)).
		Msg("Fetched thumbnail")

	if f.size <= 0 {
		return img, nil
	}
	return Resize(img, int(f.size)), nil
}

// Resize scales src to fit within maxSize while keeping its aspect ratio.
// Images already small enough are returned unchanged.
func Resize(src image.Image, maxSize int) image.Image {
	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW <= maxSize && srcH <= maxSize {
		return src
	}

	var newW, newH int
	if srcW > srcH {
		newW = maxSize
		newH = max(int(float64(srcH)*float64(maxSize)/float64(srcW)), 1)
	} else {
		newH = maxSize
		newW = max(int(float64(srcW)*float64(maxSize)/float64(srcH)), 1)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoArtwork):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
