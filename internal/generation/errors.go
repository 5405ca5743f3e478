package generation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown generation ids.
	ErrNotFound = errors.New("generation not found")

	// ErrConflict is returned by RecordStore.Update when the stored version
	// moved on since the record was read.
	ErrConflict = errors.New("generation record was modified concurrently")

	// ErrSourceNotReady is returned when a referenced source generation is
	// missing or not completed.
	ErrSourceNotReady = errors.New("source generation is not completed")

	// ErrBucketNotFound must be wrapped by ArtifactStore.Put when the
	// destination bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// Failure messages written into failed records.
const (
	msgNoOutputImage  = "No output image received from provider"
	msgDownloadFailed = "Failed to download generated image from provider"
	msgUploadFailed   = "Failed to store generated image"
	msgProviderFailed = "Generation failed"
)

// FieldError is one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or incomplete client input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StorageConfigurationError reports that the destination bucket is missing
// or misconfigured. Its message names the likely fix for operators.
type StorageConfigurationError struct {
	Bucket string
	Err    error
}

func (e *StorageConfigurationError) Error() string {
	return fmt.Sprintf("Storage bucket %q not found. Check the storage configuration: the bucket must exist and the service must have write access to it", e.Bucket)
}

func (e *StorageConfigurationError) Unwrap() error { return e.Err }

// ArtifactDownloadError reports that the provider's output could not be
// fetched.
type ArtifactDownloadError struct {
	URL string
	Err error
}

func (e *ArtifactDownloadError) Error() string {
	return msgDownloadFailed
}

func (e *ArtifactDownloadError) Unwrap() error { return e.Err }

// ArtifactUploadError reports that the output could not be written to the
// artifact store for a reason other than a missing bucket.
type ArtifactUploadError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *ArtifactUploadError) Error() string {
	return msgUploadFailed
}

func (e *ArtifactUploadError) Unwrap() error { return e.Err }
