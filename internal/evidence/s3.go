package evidence

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object metadata keys. S3 returns user metadata keys lowercased.
const (
	metaSessionID   = "session-id"
	metaKind        = "kind"
	metaContentHash = "content-hash"
	metaNonce       = "nonce"
	metaTag         = "tag"
	metaCreatedAt   = "created-at"
)

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds configuration for S3Backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// S3Backend stores the ciphertext as the object body and nonce, tag and
// record fields as object metadata.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Backend creates an S3-backed evidence backend using the default AWS
// credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("evidence: s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return newS3Backend(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Backend(client s3API, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) key(reference string) string {
	return b.prefix + reference + ".bin"
}

func (b *S3Backend) Put(ctx context.Context, rec *Record) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(rec.Reference)),
		Body:        bytes.NewReader(rec.Sealed.Ciphertext),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    recordMetadata(rec),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, reference string) (*Record, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(reference)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("evidence %s: %w", reference, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer out.Body.Close() //nolint:errcheck // best-effort close

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return recordFromObject(reference, out.Metadata, body)
}

func (b *S3Backend) Close() error { return nil }

func recordMetadata(rec *Record) map[string]string {
	return map[string]string{
		metaSessionID:   rec.SessionID,
		metaKind:        string(rec.Kind),
		metaContentHash: rec.ContentHash,
		metaNonce:       base64.StdEncoding.EncodeToString(rec.Sealed.Nonce),
		metaTag:         base64.StdEncoding.EncodeToString(rec.Sealed.Tag),
		metaCreatedAt:   rec.CreatedAt.Format(time.RFC3339Nano),
	}
}

// recordFromObject rebuilds a record. Undecodable metadata is treated as
// tampering rather than a transport error.
func recordFromObject(reference string, meta map[string]string, body []byte) (*Record, error) {
	nonce, err := base64.StdEncoding.DecodeString(meta[metaNonce])
	if err != nil {
		return nil, fmt.Errorf("evidence %s: %w: bad nonce metadata", reference, domain.ErrIntegrity)
	}
	tag, err := base64.StdEncoding.DecodeString(meta[metaTag])
	if err != nil {
		return nil, fmt.Errorf("evidence %s: %w: bad tag metadata", reference, domain.ErrIntegrity)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("evidence %s: %w: bad timestamp metadata", reference, domain.ErrIntegrity)
	}

	return &Record{
		Reference:   reference,
		SessionID:   meta[metaSessionID],
		Kind:        domain.EvidenceKind(meta[metaKind]),
		ContentHash: meta[metaContentHash],
		Sealed:      Sealed{Nonce: nonce, Ciphertext: body, Tag: tag},
		CreatedAt:   createdAt,
	}, nil
}
