// Package s3store keeps knowledge-base documents as objects under a prefix
// in an S3 bucket (or any S3-compatible service such as MinIO).
//
// Listing maps directly onto ListObjectsV2: the page size becomes MaxKeys and
// the continuation token is the service's own. Objects under the prefix that
// are not markdown files are skipped, so a page may be shorter than asked.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/MrWong99/devecho/pkg/kb"
)

var _ kb.Store = (*Store)(nil)

// DefaultPrefix is where documents live when Config.Prefix is empty.
const DefaultPrefix = "kb-documents/"

// API is the subset of *s3.Client the store uses.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config locates the bucket.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service URL for S3-compatible stores.
	Endpoint string

	// Static credentials. When empty the SDK's default chain applies.
	AccessKeyID     string
	SecretAccessKey string

	UsePathStyle bool

	// HTTPClient replaces the SDK's default transport.
	HTTPClient *http.Client
}

// Store is safe for concurrent use.
type Store struct {
	api    API
	bucket string
	prefix string
}

// New builds an S3 client from cfg and wraps it.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	opts := s3.Options{
		Region:                     cfg.Region,
		UsePathStyle:               cfg.UsePathStyle,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if opts.Region == "" {
		opts.Region = "us-west-2"
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.HTTPClient != nil {
		opts.HTTPClient = cfg.HTTPClient
	}
	return NewWithAPI(s3.New(opts), cfg.Bucket, cfg.Prefix), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{api: api, bucket: bucket, prefix: prefix}
}

func (s *Store) key(name string) string { return s.prefix + name }

// List implements [kb.Store].
func (s *Store) List(ctx context.Context, token string, limit int) (kb.Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.prefix),
		MaxKeys: aws.Int32(int32(kb.ClampLimit(limit))),
	}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}
	out, err := s.api.ListObjectsV2(ctx, in)
	if err != nil {
		if isAPIError(err, "InvalidArgument") {
			return kb.Page{}, fmt.Errorf("%w: %v", kb.ErrInvalidToken, err)
		}
		return kb.Page{}, fmt.Errorf("s3store: list: %w", err)
	}

	page := kb.Page{Documents: make([]kb.Document, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		name := strings.TrimPrefix(key, s.prefix)
		if name == "" || strings.Contains(name, "/") || !kb.IsMarkdownName(name) {
			continue
		}
		page.Documents = append(page.Documents, kb.Document{
			Name:         name,
			Key:          key,
			SizeBytes:    aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified).UTC(),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	slog.Debug("s3store: listed documents", "count", len(page.Documents), "has_more", page.HasMore())
	return page, nil
}

// Get implements [kb.Store].
func (s *Store) Get(ctx context.Context, name string) (kb.Document, []byte, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return kb.Document{}, nil, &kb.NotFoundError{Name: name}
		}
		return kb.Document{}, nil, fmt.Errorf("s3store: get %q: %w", name, err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return kb.Document{}, nil, fmt.Errorf("s3store: read %q: %w", name, err)
	}
	return kb.Document{
		Name:         name,
		Key:          s.key(name),
		SizeBytes:    int64(len(content)),
		LastModified: aws.ToTime(out.LastModified).UTC(),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
	}, content, nil
}

// Add implements [kb.Store].
func (s *Store) Add(ctx context.Context, name string, content []byte) (kb.Document, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, err
	}
	if _, err := s.head(ctx, name); err == nil {
		return kb.Document{}, &kb.ExistsError{Name: name}
	} else if !errors.Is(err, kb.ErrNotFound) {
		return kb.Document{}, err
	}
	return s.put(ctx, name, content)
}

// Update implements [kb.Store].
func (s *Store) Update(ctx context.Context, name string, content []byte) (kb.Document, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, err
	}
	if _, err := s.head(ctx, name); err != nil {
		return kb.Document{}, err
	}
	return s.put(ctx, name, content)
}

// Remove implements [kb.Store].
func (s *Store) Remove(ctx context.Context, name string) error {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return err
	}
	if _, err := s.head(ctx, name); err != nil {
		return err
	}
	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("s3store: delete %q: %w", name, err)
	}
	slog.Info("s3store: removed document", "name", name)
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("s3store: ping: %w", err)
	}
	return nil
}

func (s *Store) head(ctx context.Context, name string) (kb.Document, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return kb.Document{}, &kb.NotFoundError{Name: name}
		}
		return kb.Document{}, fmt.Errorf("s3store: head %q: %w", name, err)
	}
	return kb.Document{
		Name:         name,
		Key:          s.key(name),
		SizeBytes:    aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified).UTC(),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (s *Store) put(ctx context.Context, name string, content []byte) (kb.Document, error) {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String("text/markdown"),
	})
	if err != nil {
		return kb.Document{}, fmt.Errorf("s3store: put %q: %w", name, err)
	}
	doc, err := s.head(ctx, name)
	if err != nil {
		return kb.Document{}, err
	}
	slog.Info("s3store: stored document", "name", doc.Name, "size_bytes", doc.SizeBytes)
	return doc, nil
}

func isNotFound(err error) bool {
	if isAPIError(err, "NotFound", "NoSuchKey") {
		return true
	}
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func isAPIError(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
