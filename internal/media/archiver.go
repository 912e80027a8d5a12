// Package media copies result thumbnails into storage the service controls,
// so cached results keep working after provider CDN links expire.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"vidsearch/internal/config"
	"vidsearch/internal/fetcher"
	"vidsearch/internal/models"
	"vidsearch/internal/telemetry"
)

const archiveParallelism = 4

// Uploader stores an object and returns where it can be found.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver downloads thumbnails, shrinks them and uploads the result.
type Archiver struct {
	fetcher       *fetcher.Fetcher
	retry         fetcher.RetryConfig
	uploader      Uploader
	width         int
	maxBytes      int64
	publicBaseURL string
	logger        *zap.Logger
}

// Options configures an Archiver.
type Options struct {
	Width         int
	MaxBytes      int64
	PublicBaseURL string
	Retry         fetcher.RetryConfig
	Logger        *zap.Logger
}

// NewArchiver builds an archiver around an uploader.
func NewArchiver(f *fetcher.Fetcher, up Uploader, opts Options) *Archiver {
	if opts.Width <= 0 {
		opts.Width = 480
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 * 1024 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Archiver{
		fetcher:       f,
		retry:         opts.Retry,
		uploader:      up,
		width:         opts.Width,
		maxBytes:      opts.MaxBytes,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		logger:        opts.Logger,
	}
}

// NewFromConfig picks S3 when a bucket is configured and the local directory
// otherwise. It returns nil when archiving is disabled.
func NewFromConfig(ctx context.Context, cfg config.Config, f *fetcher.Fetcher, logger *zap.Logger) (*Archiver, error) {
	if !cfg.MediaArchiveEnabled {
		return nil, nil
	}
	var up Uploader = &LocalUploader{BaseDir: cfg.MediaOutputDir}
	if cfg.MediaS3Bucket != "" {
		s3Up, err := NewS3Uploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = s3Up
	}
	return NewArchiver(f, up, Options{
		Width:         cfg.MediaThumbWidth,
		MaxBytes:      cfg.MediaMaxBytes,
		PublicBaseURL: cfg.MediaPublicBaseURL,
		Retry: fetcher.RetryConfig{
			MaxRetries:   1,
			InitialDelay: cfg.FetchInitialDelay,
			Multiplier:   cfg.FetchMultiplier,
			MaxDelay:     cfg.FetchMaxDelay,
		},
		Logger: logger,
	}), nil
}

// Archive returns a copy of videos with thumbnails pointing at archived
// copies. A thumbnail that cannot be archived keeps its original URL.
func (a *Archiver) Archive(ctx context.Context, videos []models.VideoResult) []models.VideoResult {
	out := make([]models.VideoResult, len(videos))
	copy(out, videos)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveParallelism)
	for i := range out {
		if out[i].Thumbnail == "" {
			continue
		}
		i := i
		g.Go(func() error {
			location, err := a.archiveOne(gctx, out[i])
			if err != nil {
				telemetry.MediaArchiveResults.WithLabelValues("error").Inc()
				a.logger.Debug("thumbnail not archived",
					zap.String("platform", out[i].Platform), zap.String("video_id", out[i].ID), zap.Error(err))
				return nil
			}
			telemetry.MediaArchiveResults.WithLabelValues("ok").Inc()
			out[i].Thumbnail = location
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Archiver) archiveOne(ctx context.Context, v models.VideoResult) (string, error) {
	data, err := a.download(ctx, v.Thumbnail)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > a.width {
		img = imaging.Resize(img, a.width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := ObjectKey(v)
	location, err := a.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if a.publicBaseURL != "" {
		return a.publicBaseURL + "/" + key, nil
	}
	return location, nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.fetcher.Do(ctx, req, a.retry)
	if err != nil {
		return nil, fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, fmt.Errorf("thumbnail too large (>%d bytes)", a.maxBytes)
	}
	return body, nil
}

// ObjectKey is the storage key of a video's archived thumbnail.
func ObjectKey(v models.VideoResult) string {
	return path.Join("thumbs", sanitize(v.Platform), sanitize(v.ID)+".jpg")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
