// Package downloads hands out time-limited links to release files kept in an
// S3-compatible bucket and lists the current releases.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultLinkTTL = 15 * time.Minute

var (
	ErrNotConfigured   = errors.New("downloads not configured")
	ErrInvalidPath     = errors.New("invalid path")
	ErrForbiddenFolder = errors.New("directory not allowed")
)

// objectAPI is the subset of the S3 client used for listing.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint    string
	Bucket      string
	Region      string
	AccessKey   string
	SecretKey   string
	AllowedDirs []string
	LinkTTL     time.Duration
}

func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type File struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Updated     time.Time `json:"updated"`
	ContentType string    `json:"contentType"`
	Version     string    `json:"version"`
	Platform    string    `json:"platform"`
}

type Service struct {
	bucket  string
	allowed []string
	ttl     time.Duration
	objects objectAPI
	presign presignAPI
}

// New returns a Service. With incomplete credentials every call fails with
// ErrNotConfigured.
func New(cfg Config) *Service {
	s := newService(cfg, nil, nil)
	if cfg.Enabled() {
		client := newS3Client(cfg)
		s.objects = client
		s.presign = s3.NewPresignClient(client)
	}
	return s
}

func newService(cfg Config, objects objectAPI, presign presignAPI) *Service {
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	allowed := make([]string, 0, len(cfg.AllowedDirs))
	for _, d := range cfg.AllowedDirs {
		if d = strings.Trim(d, "/"); d != "" {
			allowed = append(allowed, d)
		}
	}
	return &Service{
		bucket:  cfg.Bucket,
		allowed: allowed,
		ttl:     ttl,
		objects: objects,
		presign: presign,
	}
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (s *Service) Configured() bool {
	return s.objects != nil && s.presign != nil
}

// Link returns a presigned GET URL for a file inside an allowed directory.
func (s *Service) Link(ctx context.Context, filePath string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	if err := checkPath(filePath); err != nil {
		return "", err
	}
	if !s.inAllowedDir(filePath) {
		return "", fmt.Errorf("%w: %s", ErrForbiddenFolder, path.Dir(filePath))
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(filePath),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", filePath, err)
	}
	return req.URL, nil
}

// List returns the files directly inside one of the allowed directories.
func (s *Service) List(ctx context.Context, directory string) ([]File, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if err := checkPath(directory); err != nil {
		return nil, err
	}
	directory = strings.TrimSuffix(directory, "/")
	if !slices.Contains(s.allowed, directory) {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenFolder, directory)
	}

	prefix := directory + "/"
	paginator := s3.NewListObjectsV2Paginator(s.objects, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	files := []File{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", directory, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			f := File{
				Name:    path.Base(key),
				Size:    aws.ToInt64(obj.Size),
				Updated: aws.ToTime(obj.LastModified),
			}
			head, err := s.objects.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("head %s: %w", key, err)
			}
			f.ContentType = aws.ToString(head.ContentType)
			f.Version = head.Metadata["version"]
			f.Platform = head.Metadata["platform"]
			files = append(files, f)
		}
	}
	return files, nil
}

func (s *Service) inAllowedDir(filePath string) bool {
	for _, d := range s.allowed {
		if strings.HasPrefix(filePath, d+"/") {
			return true
		}
	}
	return false
}

func checkPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	case strings.HasPrefix(p, "/"), strings.Contains(p, ".."), strings.Contains(p, "\\"):
		return fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	return nil
}
