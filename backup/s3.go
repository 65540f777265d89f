package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint string
	Bucket   string
	Access   string
	Secret   string
	Region   string
	// Insecure uses http instead of https, for a local minio
	Insecure     bool
	RequestTrace io.Writer
}

// S3 stores snapshots in a bucket of an s3-compatible service
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the service and checks that the bucket exists
func NewS3(ctx context.Context, c S3Config) (*S3, error) {
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return nil, errors.New("backup: endpoint, bucket, access and secret are required")
	}
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("backup: checking bucket '%s': %w", c.Bucket, err)
	}
	if !found {
		return nil, fmt.Errorf("backup: bucket '%s' doesn't exist", c.Bucket)
	}
	return &S3{client: mc, bucket: c.Bucket}, nil
}

func (c *S3) URLForPath(remotePath string) string {
	u := c.client.EndpointURL()
	uri := url.URL{Scheme: u.Scheme, Host: c.bucket + "." + u.Host, Path: "/" + strings.TrimPrefix(remotePath, "/")}
	return uri.String()
}

func (c *S3) Upload(ctx context.Context, remotePath string, d []byte, contentType string) error {
	opts := minio.PutObjectOptions{
		ContentType: contentType,
	}
	_, err := c.client.PutObject(ctx, c.bucket, remotePath, bytes.NewReader(d), int64(len(d)), opts)
	return err
}

func (c *S3) Download(ctx context.Context, remotePath string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// List returns names of objects under prefix
func (c *S3) List(ctx context.Context, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	var res []string
	for oi := range c.client.ListObjects(ctx, c.bucket, opts) {
		if oi.Err != nil {
			return res, oi.Err
		}
		res = append(res, oi.Key)
	}
	return res, nil
}

func (c *S3) Remove(ctx context.Context, remotePath string) error {
	return c.client.RemoveObject(ctx, c.bucket, remotePath, minio.RemoveObjectOptions{})
}
