// Package s3util stores generation artifacts and staged provider inputs
// in S3.
package s3util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/generation"
)

// projectTag is the URL-encoded object tagging string for cost allocation.
const projectTag = "Project=tryon-studio"

// ObjectAPI is the subset of the S3 client used by Store.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// PresignAPI is the subset of the S3 presign client used by Store.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store implements generation.ArtifactStore and the composite adapter's
// staging interface.
type Store struct {
	client  ObjectAPI
	presign PresignAPI
	region  string
	// publicBaseURL replaces the virtual-hosted S3 URL in PublicURL when
	// set, e.g. a CDN or a local S3 emulator.
	publicBaseURL string

	now       func() time.Time
	mu        sync.Mutex
	presigned map[presignKey]presignedURL
}

type presignKey struct {
	bucket, key string
	expiry      time.Duration
}

type presignedURL struct {
	url        string
	reuseUntil time.Time
}

var _ generation.ArtifactStore = (*Store)(nil)

// New creates a Store.
func New(client ObjectAPI, presign PresignAPI, region, publicBaseURL string) *Store {
	return &Store{
		client:        client,
		presign:       presign,
		region:        region,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		now:           time.Now,
		presigned:     make(map[presignKey]presignedURL),
	}
}

// NewFromClient creates a Store backed by one S3 client.
func NewFromClient(client *s3.Client, region, publicBaseURL string) *Store {
	return New(client, s3.NewPresignClient(client), region, publicBaseURL)
}

// Put uploads body. A missing bucket is reported as
// generation.ErrBucketNotFound.
func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Int("bytes", len(body)).
		Str("contentType", contentType).
		Msg("Uploading object to S3")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Tagging:     aws.String(projectTag),
	})
	if err != nil {
		if isNoSuchBucket(err) {
			return fmt.Errorf("PutObject %s/%s: %w: %v", bucket, key, generation.ErrBucketNotFound, err)
		}
		return fmt.Errorf("PutObject %s/%s: %w", bucket, key, err)
	}

	log.Info().Str("bucket", bucket).Str("key", key).Msg("Object uploaded to S3")
	return nil
}

// PresignGet creates a pre-signed GET URL valid for expiry. A URL is reused
// until half its validity has passed, so repeated reads of the same object
// return the same URL with at least expiry/2 left on it.
func (s *Store) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	ck := presignKey{bucket: bucket, key: key, expiry: expiry}
	now := s.now()

	s.mu.Lock()
	if p, ok := s.presigned[ck]; ok && now.Before(p.reuseUntil) {
		s.mu.Unlock()
		return p.url, nil
	}
	s.mu.Unlock()

	result, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.presigned {
		if !now.Before(p.reuseUntil) {
			delete(s.presigned, k)
		}
	}
	s.presigned[ck] = presignedURL{url: result.URL, reuseUntil: now.Add(expiry / 2)}
	return result.URL, nil
}

// PublicURL returns the unsigned URL of an object.
func (s *Store) PublicURL(bucket, key string) string {
	escaped := escapeKey(key)
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + bucket + "/" + escaped
	}
	region := s.region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	for k := range s.presigned {
		if k.bucket == bucket && k.key == key {
			delete(s.presigned, k)
		}
	}
	s.mu.Unlock()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("DeleteObject %s/%s: %w", bucket, key, err)
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Object deleted from S3")
	return nil
}

func isNoSuchBucket(err error) bool {
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket"
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
