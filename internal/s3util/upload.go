// Package s3util stages device-local images in S3 so the enhancement worker
// can fetch them.
package s3util

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultExpiry is how long a staged image URL stays valid. It comfortably
// outlives a resolver's maximum wait.
const DefaultExpiry = 15 * time.Minute

// PutObjectAPI is the subset of *s3.Client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PresignAPI is the subset of *s3.PresignClient the uploader needs.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Uploader copies local files to S3 and returns a pre-signed GET URL. It
// implements enhance.Uploader.
type Uploader struct {
	client    PutObjectAPI
	presigner PresignAPI
	bucket    string
	prefix    string
	expiry    time.Duration
}

// NewUploader creates an Uploader writing under bucket/prefix.
func NewUploader(client PutObjectAPI, presigner PresignAPI, bucket, prefix string) *Uploader {
	return &Uploader{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		expiry:    DefaultExpiry,
	}
}

// WithExpiry overrides the pre-signed URL lifetime.
func (u *Uploader) WithExpiry(d time.Duration) *Uploader {
	u.expiry = d
	return u
}

// Upload stores the file at localPath under a fresh key and returns a URL
// the worker can GET.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(localPath))
	key := ObjectKey(u.prefix, uuid.NewString()+ext)
	contentType := ContentType(ext)

	log.Debug().
		Str("localPath", localPath).
		Str("bucket", u.bucket).
		Str("key", key).
		Msg("Uploading image to S3")

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject: %w", err)
	}

	url, err := GeneratePresignedURL(ctx, u.presigner, u.bucket, key, u.expiry)
	if err != nil {
		return "", err
	}
	log.Info().Str("key", key).Msg("Image staged in S3")
	return url, nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presigner PresignAPI, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}

// ObjectKey joins prefix and name, skipping an empty prefix.
func ObjectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// ContentType maps an image extension to its MIME type, defaulting to
// application/octet-stream.
func ContentType(ext string) string {
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
