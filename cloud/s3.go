// Package cloud wraps the AWS services the relay touches: S3 for image
// uploads and EC2 instance metadata for the load-balancer probes.
package cloud

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	UploadPrefix  = "uploads/"
	MaxUploadSize = 10 << 20
)

var unsafeName = regexp.MustCompile(`[^\w.\-]+`)

// ObjectPutter is the slice of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores user images in a single bucket and hands back their
// public URL.
type S3Uploader struct {
	client ObjectPutter
	bucket string
	region string
	now    func() time.Time
}

// NewS3Uploader loads the default AWS credential chain for region.
func NewS3Uploader(ctx context.Context, region, bucket string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewS3UploaderWithClient(s3.NewFromConfig(cfg), region, bucket), nil
}

func NewS3UploaderWithClient(client ObjectPutter, region, bucket string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, region: region, now: time.Now}
}

// Upload writes body under a fresh key derived from filename and returns the
// object's URL.
func (u *S3Uploader) Upload(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error) {
	key := ObjectKey(u.now(), filename)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, key), nil
}

// ObjectKey is uploads/<unix-ms>_<name>, with runs of characters outside
// [A-Za-z0-9_.-] replaced by a single underscore.
func ObjectKey(at time.Time, filename string) string {
	safe := unsafeName.ReplaceAllString(filename, "_")
	if safe == "" {
		safe = "upload"
	}
	return UploadPrefix + strconv.FormatInt(at.UnixMilli(), 10) + "_" + safe
}
