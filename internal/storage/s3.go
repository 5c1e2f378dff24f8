package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// maxDeleteBatch is the S3 DeleteObjects limit.
const maxDeleteBatch = 1000

// S3Options configures the object-store client.
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string
	PathStyle       bool
	DisableSSL      bool
}

// ObjectClient performs the object-store operations the writer needs.
type ObjectClient struct {
	api    s3iface.S3API
	logger *slog.Logger
}

// NewObjectClient wraps an S3 API implementation.
func NewObjectClient(api s3iface.S3API, logger *slog.Logger) *ObjectClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ObjectClient{api: api, logger: logger}
}

// NewS3API builds an S3 client from options. Without static keys the
// default credential chain is used.
func NewS3API(opts S3Options) (s3iface.S3API, error) {
	cfg := &aws.Config{}
	if opts.Region != "" {
		cfg.Region = aws.String(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.PathStyle {
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if opts.DisableSSL {
		cfg.DisableSSL = aws.Bool(true)
	}
	if opts.AccessKeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return s3.New(sess), nil
}

// List returns the keys under loc.
func (c *ObjectClient) List(ctx context.Context, loc Location) ([]string, error) {
	var keys []string
	err := c.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(loc.Prefix()),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", loc, err)
	}
	return keys, nil
}

// DeletePrefix deletes every object under loc and returns how many were
// deleted.
func (c *ObjectClient) DeletePrefix(ctx context.Context, loc Location) (int, error) {
	if loc.Path == "" {
		return 0, fmt.Errorf("refusing to purge bucket root of %s", loc.Bucket)
	}

	keys, err := c.List(ctx, loc)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := c.api.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(loc.Bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete objects under %s: %w", loc, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, fmt.Errorf("failed to delete %d objects under %s: %s: %s",
				len(out.Errors), loc, aws.StringValue(first.Key), aws.StringValue(first.Message))
		}
		deleted += len(objects)
	}

	c.logger.Debug("deleted objects", slog.String("location", loc.String()), slog.Int("count", deleted))
	return deleted, nil
}
