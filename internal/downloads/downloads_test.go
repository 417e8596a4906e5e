package downloads

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3Client implements objectAPI for testing.
type mockS3Client struct {
	objects  []types.Object
	metadata map[string]map[string]string
	pageSize int
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var matching []types.Object
	for _, o := range m.objects {
		if strings.HasPrefix(aws.ToString(o.Key), aws.ToString(input.Prefix)) {
			matching = append(matching, o)
		}
	}

	start := 0
	if input.ContinuationToken != nil {
		for i, o := range matching {
			if aws.ToString(o.Key) == *input.ContinuationToken {
				start = i
			}
		}
	}
	end := len(matching)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	out := &s3.ListObjectsV2Output{Contents: matching[start:end]}
	if end < len(matching) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = matching[end].Key
	}
	return out, nil
}

func (m *mockS3Client) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{
		ContentType: aws.String("application/octet-stream"),
		Metadata:    m.metadata[aws.ToString(input.Key)],
	}, nil
}

type mockPresigner struct {
	gotKey string
	gotTTL time.Duration
}

func (m *mockPresigner) PresignGetObject(_ context.Context, input *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var po s3.PresignOptions
	for _, opt := range opts {
		opt(&po)
	}
	m.gotKey = aws.ToString(input.Key)
	m.gotTTL = po.Expires
	return &v4.PresignedHTTPRequest{
		URL:    "https://bucket.test/" + url.PathEscape(m.gotKey) + "?X-Amz-Expires=900",
		Method: "GET",
	}, nil
}

func newTestService(objects *mockS3Client, presign *mockPresigner) *Service {
	return newService(Config{
		Bucket:      "releases",
		AllowedDirs: []string{"pilot-releases/current", "/scan_releases/current/"},
	}, objects, presign)
}

func obj(key string, size int64) types.Object {
	return types.Object{
		Key:          aws.String(key),
		Size:         aws.Int64(size),
		LastModified: aws.Time(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestLink(t *testing.T) {
	p := &mockPresigner{}
	s := newTestService(&mockS3Client{}, p)

	link, err := s.Link(context.Background(), "pilot-releases/current/EagleEyesPilot.apk")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !strings.HasPrefix(link, "https://bucket.test/") {
		t.Errorf("link = %q", link)
	}
	if p.gotKey != "pilot-releases/current/EagleEyesPilot.apk" {
		t.Errorf("key = %q", p.gotKey)
	}
	if p.gotTTL != DefaultLinkTTL {
		t.Errorf("ttl = %v, want %v", p.gotTTL, DefaultLinkTTL)
	}
}

func TestLinkRejects(t *testing.T) {
	s := newTestService(&mockS3Client{}, &mockPresigner{})

	tests := []struct {
		name string
		path string
		want error
	}{
		{"empty", "", ErrInvalidPath},
		{"absolute", "/pilot-releases/current/a.apk", ErrInvalidPath},
		{"traversal", "pilot-releases/current/../../secrets.txt", ErrInvalidPath},
		{"outside allowed", "private/keys.pem", ErrForbiddenFolder},
		{"directory itself", "pilot-releases/current", ErrForbiddenFolder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Link(context.Background(), tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNotConfigured(t *testing.T) {
	s := New(Config{Bucket: "releases"})
	if s.Configured() {
		t.Fatal("expected unconfigured service without credentials")
	}
	if _, err := s.Link(context.Background(), "pilot-releases/current/a.apk"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("link err = %v, want ErrNotConfigured", err)
	}
	if _, err := s.List(context.Background(), "pilot-releases/current"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("list err = %v, want ErrNotConfigured", err)
	}
}

func TestList(t *testing.T) {
	m := &mockS3Client{
		objects: []types.Object{
			obj("pilot-releases/current/", 0),
			obj("pilot-releases/current/pilot-1.2.apk", 1024),
			obj("pilot-releases/current/pilot-1.2.ipa", 2048),
			obj("pilot-releases/current/notes.txt", 10),
			obj("pilot-releases/old/pilot-1.0.apk", 999),
		},
		metadata: map[string]map[string]string{
			"pilot-releases/current/pilot-1.2.apk": {"version": "1.2", "platform": "android"},
		},
		pageSize: 2,
	}
	s := newTestService(m, &mockPresigner{})

	files, err := s.List(context.Background(), "pilot-releases/current")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("len = %d, want 3 (%+v)", len(files), files)
	}
	if files[0].Name != "pilot-1.2.apk" || files[0].Size != 1024 {
		t.Errorf("first file = %+v", files[0])
	}
	if files[0].Version != "1.2" || files[0].Platform != "android" {
		t.Errorf("metadata = %q/%q", files[0].Version, files[0].Platform)
	}
	if files[0].ContentType != "application/octet-stream" {
		t.Errorf("content type = %q", files[0].ContentType)
	}
}

func TestListForbidden(t *testing.T) {
	s := newTestService(&mockS3Client{}, &mockPresigner{})

	if _, err := s.List(context.Background(), "pilot-releases/old"); !errors.Is(err, ErrForbiddenFolder) {
		t.Errorf("err = %v, want ErrForbiddenFolder", err)
	}
	if _, err := s.List(context.Background(), "../etc"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}

func TestListAllowedDirNormalized(t *testing.T) {
	m := &mockS3Client{objects: []types.Object{obj("scan_releases/current/scan.zip", 5)}}
	s := newTestService(m, &mockPresigner{})

	files, err := s.List(context.Background(), "scan_releases/current/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || files[0].Name != "scan.zip" {
		t.Errorf("files = %+v", files)
	}
}
