// Package offsite copies finished archives to S3-compatible storage.
package offsite

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	appconfig "github.com/MacJediWizard/stackarchiver/internal/config"
)

// putter is the part of manager.Uploader used here.
type putter interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Result describes one upload.
type Result struct {
	Location string
	Objects  int
	Bytes    int64
}

// Uploader copies files and directories into a bucket.
type Uploader struct {
	bucket   string
	prefix   string
	uploader putter
	logger   zerolog.Logger
}

// NewUploader builds an S3 client from cfg.
func NewUploader(ctx context.Context, cfg appconfig.OffsiteConfig, logger zerolog.Logger) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("offsite bucket is not configured")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsOpts = append(awsOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return newUploader(cfg.Bucket, cfg.Prefix, manager.NewUploader(client, func(u *manager.Uploader) {
		u.Concurrency = 4
	}), logger), nil
}

func newUploader(bucket, prefix string, p putter, logger zerolog.Logger) *Uploader {
	return &Uploader{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		uploader: p,
		logger:   logger.With().Str("component", "offsite").Logger(),
	}
}

// Key returns the object key for a path relative to the archive root.
func (u *Uploader) Key(rel string) string {
	rel = filepath.ToSlash(rel)
	if u.prefix == "" {
		return rel
	}
	return path.Join(u.prefix, rel)
}

// Upload copies localPath to the key derived from rel. Directories are
// uploaded file by file beneath that key.
func (u *Uploader) Upload(ctx context.Context, localPath, rel string) (*Result, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	base := u.Key(rel)
	res := &Result{Location: fmt.Sprintf("s3://%s/%s", u.bucket, base)}

	if !info.IsDir() {
		if err := u.putFile(ctx, localPath, base); err != nil {
			return nil, err
		}
		res.Objects = 1
		res.Bytes = info.Size()
		return res, nil
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		relPath, err := filepath.Rel(localPath, p)
		if err != nil {
			return fmt.Errorf("get relative path: %w", err)
		}
		if err := u.putFile(ctx, p, path.Join(base, filepath.ToSlash(relPath))); err != nil {
			return err
		}
		if fi, err := d.Info(); err == nil {
			res.Bytes += fi.Size()
		}
		res.Objects++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (u *Uploader) putFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	u.logger.Debug().Str("key", key).Msg("uploaded object")
	return nil
}
