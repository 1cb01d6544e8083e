package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/samjbobb/tripload/config"
	"github.com/samjbobb/tripload/ingest/db"
	"github.com/sirupsen/logrus"
)

// Fetcher copies source files from http(s), s3 or the local filesystem into a local path.
type Fetcher struct {
	cfg  config.FetchCfg
	http *retryablehttp.Client
	s3   *s3.Client
}

func NewFetcher(cfg config.FetchCfg) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = leveledLogger{logrus.WithField("component", "fetch")}
	return &Fetcher{cfg: cfg, http: client}
}

// Destination returns the local path a source URL is fetched to: the last element of the URL path inside
// dataDir, or fallback when the URL has no usable file name or its name is one of the taken paths.
func Destination(dataDir, rawURL, fallback string, taken ...string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = fallback
	}
	dest := filepath.Join(dataDir, name)
	for _, p := range taken {
		if filepath.Clean(p) == dest {
			return filepath.Join(dataDir, fallback)
		}
	}
	return dest
}

// Fetch retrieves rawURL into destPath, creating its directory if needed. The file appears at destPath
// only once it is complete.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, destPath string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid source url %q: %w", rawURL, err)
	}
	open := func(ctx context.Context) (io.ReadCloser, error) { return f.openLocal(rawURL) }
	switch u.Scheme {
	case "http", "https":
		open = func(ctx context.Context) (io.ReadCloser, error) { return f.openHTTP(ctx, rawURL) }
	case "s3":
		open = func(ctx context.Context) (io.ReadCloser, error) { return f.openS3(ctx, u) }
	case "file":
		open = func(ctx context.Context) (io.ReadCloser, error) { return f.openLocal(u.Path) }
	case "":
	default:
		return fmt.Errorf("unsupported source url scheme %q", u.Scheme)
	}

	logrus.WithFields(logrus.Fields{"url": rawURL, "dest": destPath}).Infoln("fetching source")
	body, err := open(ctx)
	if err != nil {
		return err
	}
	defer body.Close()
	n, err := writeAtomic(destPath, body)
	if err != nil {
		return fmt.Errorf("could not fetch %s: %w", rawURL, err)
	}
	logrus.WithFields(logrus.Fields{"url": rawURL, "dest": destPath, "bytes": n}).Infoln("fetched source")
	return nil
}

func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", db.ErrConnectivity, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", db.ErrNotFound, rawURL, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", db.ErrConnectivity, rawURL, resp.Status)
	}
	return resp.Body, nil
}

func (f *Fetcher) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if f.s3 == nil {
		client, err := newS3Client(ctx, f.cfg)
		if err != nil {
			return nil, err
		}
		f.s3 = client
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 url %s must name a bucket and a key", u)
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classifyS3(u.String(), err)
	}
	return out.Body, nil
}

func newS3Client(ctx context.Context, cfg config.FetchCfg) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3PathStyle {
			o.UsePathStyle = true
		}
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

func classifyS3(rawURL string, err error) error {
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %s: %w", db.ErrNotFound, rawURL, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s: %w", db.ErrNotFound, rawURL, err)
		}
		return fmt.Errorf("could not get %s: %w", rawURL, err)
	}
	return fmt.Errorf("%w: %s: %w", db.ErrConnectivity, rawURL, err)
}

func (f *Fetcher) openLocal(p string) (io.ReadCloser, error) {
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", db.ErrNotFound, p)
	}
	return file, err
}

// writeAtomic writes r to a temporary file next to dest and renames it into place.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// leveledLogger routes retryablehttp logs to logrus.
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Errorln(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debugln(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Traceln(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warnln(msg)
}
