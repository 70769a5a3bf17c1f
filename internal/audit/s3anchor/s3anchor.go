// Package s3anchor publishes audit chain heads to S3 so that a rewritten
// database chain can be detected against an independent copy.
package s3anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"carecoord.org/internal/audit"
)

const (
	contentTypeJSON     = "application/json"
	ErrorSessionCreate  = "failed to create AWS session: %w"
	ErrorPutAnchor      = "failed to put anchor %s: %w"
	ErrorGetAnchor      = "failed to get anchor %s: %w"
	ErrorDecodeAnchor   = "failed to decode anchor %s: %w"
	ErrorBucketRequired = "anchor bucket is required"
)

// ErrAnchorNotFound is returned when no anchor exists for a sequence number.
var ErrAnchorNotFound = errors.New("anchor not found")

// Config selects the bucket and credentials. Empty keys fall back to the
// default AWS credential chain.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// Client implements audit.Anchorer on S3.
type Client struct {
	svc    s3iface.S3API
	bucket string
	prefix string
}

var _ audit.Anchorer = (*Client)(nil)

// New creates a session from cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New(ErrorBucketRequired)
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf(ErrorSessionCreate, err)
	}
	return NewWithAPI(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewWithAPI wraps an existing S3 API implementation.
func NewWithAPI(svc s3iface.S3API, bucket, prefix string) *Client {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "audit-anchors"
	}
	return &Client{svc: svc, bucket: bucket, prefix: prefix}
}

// Key is the object key for the anchor at seq. Zero padding keeps listing
// order equal to chain order.
func (c *Client) Key(seq int64) string {
	return fmt.Sprintf("%s/%020d.json", c.prefix, seq)
}

// Put writes a.
func (c *Client) Put(ctx context.Context, a audit.Anchor) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := c.Key(a.Seq)
	_, err = c.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentTypeJSON),
		Metadata: map[string]*string{
			"Row-Hash": aws.String(a.RowHash),
		},
	})
	if err != nil {
		return fmt.Errorf(ErrorPutAnchor, key, err)
	}
	return nil
}

// Get reads the anchor at seq.
func (c *Client) Get(ctx context.Context, seq int64) (audit.Anchor, error) {
	key := c.Key(seq)
	out, err := c.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return audit.Anchor{}, ErrAnchorNotFound
		}
		return audit.Anchor{}, fmt.Errorf(ErrorGetAnchor, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return audit.Anchor{}, fmt.Errorf(ErrorGetAnchor, key, err)
	}
	var a audit.Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return audit.Anchor{}, fmt.Errorf(ErrorDecodeAnchor, key, err)
	}
	return a, nil
}
