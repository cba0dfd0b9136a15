package archive

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// BackendFactory creates archive backends from URI strings and manages
// multi-backend configurations for redundant exports.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a new factory instance.
func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendFactory{log: logger}
}

// BackendFor creates a backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem directory
//   - s3:// - Amazon S3 or compatible object storage
func (bf *BackendFactory) BackendFor(locationURI string) (Backend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return bf.createS3Backend(u)
	case "file":
		return bf.createFileBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-backend from a list of location URIs.
// Invalid URIs are logged and skipped; it fails only if none are usable.
func (bf *BackendFactory) CreateMultiBackend(locationURIs []string) (*MultiBackend, error) {
	backends := make([]Backend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := bf.BackendFor(uri)
		if err != nil {
			bf.log.Warn("Failed to create archive backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid archive backends created")
	}

	return NewMultiBackend(backends, bf.log), nil
}

// createS3Backend creates an S3 or S3-compatible backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (bf *BackendFactory) createS3Backend(u *url.URL) (Backend, error) {
	bf.log.Debug("Creating S3 backend", slog.String("uri", u.Redacted()))

	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", ErrInvalidLocationURI, u.Redacted())
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
		bf.log.Debug("Using embedded credentials")
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, bf.log)
}

// createFileBackend creates a file system backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (bf *BackendFactory) createFileBackend(u *url.URL) (Backend, error) {
	bf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, bf.log)
}
