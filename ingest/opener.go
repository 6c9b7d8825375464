package ingest

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
	"gopkg.in/cheggaaa/pb.v1"
)

// S3Options configures access to s3:// locators.
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

type openConfig struct {
	progress   bool
	httpClient *http.Client
	s3         S3Options
}

type OpenOption func(*openConfig)

// WithProgress draws a progress bar on stderr while the input is read.
func WithProgress(b bool) OpenOption {
	return func(c *openConfig) { c.progress = b }
}

func WithHTTPClient(hc *http.Client) OpenOption {
	return func(c *openConfig) { c.httpClient = hc }
}

func WithS3(o S3Options) OpenOption {
	return func(c *openConfig) { c.s3 = o }
}

// Open returns a reader over the deal dump named by locator, which may be an http(s) URL, an s3://bucket/key
// object or a local path. Inputs whose name ends in .zst are decompressed. Failures match ErrSourceUnavailable.
func Open(ctx context.Context, locator string, opts ...OpenOption) (io.ReadCloser, error) {
	cfg := openConfig{httpClient: http.DefaultClient}
	for _, o := range opts {
		o(&cfg)
	}

	var (
		rc   io.ReadCloser
		size int64
		err  error
	)
	switch {
	case strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://"):
		rc, size, err = openHTTP(ctx, cfg.httpClient, locator)
	case strings.HasPrefix(locator, "s3://"):
		rc, size, err = openS3(ctx, cfg.s3, locator)
	default:
		rc, size, err = openFile(locator)
	}
	if err != nil {
		return nil, &SourceError{Locator: locator, Err: err}
	}

	log.Infow("opened deal source", "locator", locator, "size", size)

	s := &stack{closers: []io.Closer{rc}}
	var rd io.Reader = bufio.NewReaderSize(rc, 1<<20)

	if cfg.progress {
		bar := pb.New64(size)
		bar.ShowTimeLeft = true
		bar.ShowPercent = true
		bar.ShowSpeed = true
		bar.Units = pb.U_BYTES
		bar.Start()
		rd = bar.NewProxyReader(rd)
		s.finish = bar.Finish
	}

	if isCompressed(locator) {
		zr := zstd.NewReader(rd)
		s.closers = append([]io.Closer{zr}, s.closers...)
		rd = zr
	}

	s.Reader = &sourceReader{locator: locator, r: rd}
	return s, nil
}

func isCompressed(locator string) bool {
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" {
		locator = u.Path
	}
	return strings.HasSuffix(locator, ".zst")
}

func openHTTP(ctx context.Context, hc *http.Client, locator string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close() // nolint: errcheck
		return nil, 0, xerrors.Errorf("non-200 response: %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func openS3(ctx context.Context, o S3Options, locator string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, 0, err
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, xerrors.Errorf("expected s3://bucket/key")
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, 0, xerrors.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.UsePathStyle
	})

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, xerrors.Errorf("get object: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func openFile(locator string) (io.ReadCloser, int64, error) {
	path, err := homedir.Expand(locator)
	if err != nil {
		return nil, 0, err
	}
	fi, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := fi.Stat()
	if err != nil {
		_ = fi.Close() // nolint: errcheck
		return nil, 0, err
	}
	return fi, st.Size(), nil
}

// sourceReader marks transport errors met while reading as source errors.
type sourceReader struct {
	locator string
	r       io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &SourceError{Locator: s.locator, Err: err}
	}
	return n, err
}

// stack closes the decompressor before the transport and stops the progress bar.
type stack struct {
	io.Reader
	closers []io.Closer
	finish  func()
}

func (s *stack) Close() error {
	if s.finish != nil {
		s.finish()
	}
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
