package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

type Config struct {
	AccessKey     string
	SecretKey     string
	Region        string
	Endpoint      string
	Bucket        string
	PublicBaseURL string
}

// S3API is the subset of *s3.Client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Client struct {
	api           S3API
	bucket        string
	publicBaseURL string
}

// LoadAWSConfig builds the shared SDK config. Static credentials are used
// when both keys are set; otherwise the default provider chain applies.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "unable to load SDK config")
	}
	return awsCfg, nil
}

func NewFromConfig(awsCfg aws.Config, cfg Config) *Client {
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(api, cfg.Bucket, cfg.PublicBaseURL)
}

func New(api S3API, bucket, publicBaseURL string) *Client {
	return &Client{
		api:           api,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// WithBucket returns a client sharing the same connection for another bucket.
func (c *Client) WithBucket(bucket string) *Client {
	if bucket == "" || bucket == c.bucket {
		return c
	}
	clone := *c
	clone.bucket = bucket
	return &clone
}

func (c *Client) Bucket() string { return c.bucket }

type UploadInput struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	PublicRead  bool
}

func (c *Client) Upload(ctx context.Context, in UploadInput) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(in.Key),
		Body:        in.Body,
		ContentType: aws.String(in.ContentType),
	}
	if in.Size > 0 {
		input.ContentLength = aws.Int64(in.Size)
	}
	if in.PublicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := c.api.PutObject(ctx, input); err != nil {
		return errors.Wrapf(err, "failed to upload %s", in.Key)
	}
	return nil
}

func (c *Client) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return c.Upload(ctx, UploadInput{
		Key:         key,
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: contentType,
	})
}

// Download streams an object into w.
func (c *Client) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, errors.Wrapf(ErrNotFound, "get %s", key)
		}
		return 0, errors.Wrapf(err, "failed to get %s", key)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, errors.Wrapf(err, "failed to read %s", key)
	}
	return n, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.Download(ctx, key, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to head %s", key)
}

// PublicURL returns the URL a browser can fetch key from.
func (c *Client) PublicURL(key string) string {
	if c.publicBaseURL != "" {
		return c.publicBaseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, key)
}

// URI returns the s3:// form of key.
func (c *Client) URI(key string) string {
	return "s3://" + c.bucket + "/" + key
}

// NewObjectKey derives a unique storage name for an uploaded file,
// keeping its extension.
func NewObjectKey(filename string) (id, ext, newName string) {
	id = strings.ReplaceAll(uuid.New().String(), "-", "")
	ext = strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		return id, "", id
	}
	return id, ext, id + "." + ext
}

func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
