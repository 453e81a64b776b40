package archival

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sdexindexer/internal/config"
	"sdexindexer/internal/model"
)

// Uploader is the subset of the S3 upload manager the sink uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// BucketChecker verifies bucket access.
type BucketChecker interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// BlobSink writes each batch as one JSONL object.
type BlobSink struct {
	uploader Uploader
	checker  BucketChecker
	bucket   string
	prefix   string
	now      func() time.Time
}

// NewBlobSink builds a sink for an S3-compatible bucket.
func NewBlobSink(ctx context.Context, cfg config.S3Config) (*BlobSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewBlobSinkWithClients(manager.NewUploader(client), client, cfg.Bucket, cfg.Prefix), nil
}

// NewBlobSinkWithClients wires explicit clients.
func NewBlobSinkWithClients(uploader Uploader, checker BucketChecker, bucket, prefix string) *BlobSink {
	return &BlobSink{
		uploader: uploader,
		checker:  checker,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check performs a HeadBucket call.
func (s *BlobSink) Check(ctx context.Context) error {
	if s.checker == nil {
		return nil
	}
	if _, err := s.checker.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3: head bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Store uploads the batch. The key is deterministic per run and batch so a
// retried batch overwrites its own object.
func (s *BlobSink) Store(ctx context.Context, runID string, batch int, offers []model.Offer) error {
	body, err := marshalJSONL(offers)
	if err != nil {
		return err
	}

	key := s.objectKey(runID, batch)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3: upload %s: %w", key, err)
	}
	return nil
}

func (s *BlobSink) objectKey(runID string, batch int) string {
	key := fmt.Sprintf("offers/%s/%s-%04d.jsonl", s.now().Format("2006-01-02"), runID, batch)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

type archivedAsset struct {
	Type   string `json:"asset_type"`
	Code   string `json:"asset_code,omitempty"`
	Issuer string `json:"asset_issuer,omitempty"`
}

type archivedOffer struct {
	ID                 uint64        `json:"id"`
	Seller             string        `json:"seller"`
	Selling            archivedAsset `json:"selling"`
	Buying             archivedAsset `json:"buying"`
	Amount             string        `json:"amount"`
	Price              string        `json:"price"`
	PriceN             int32         `json:"price_n"`
	PriceD             int32         `json:"price_d"`
	LastModifiedLedger uint64        `json:"last_modified_ledger"`
	LastModifiedTime   *time.Time    `json:"last_modified_time,omitempty"`
}

func toArchivedAsset(a model.Asset) archivedAsset {
	return archivedAsset{Type: string(a.Type), Code: a.Code, Issuer: a.Issuer}
}

func marshalJSONL(offers []model.Offer) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, o := range offers {
		rec := archivedOffer{
			ID:                 o.ID,
			Seller:             o.Seller,
			Selling:            toArchivedAsset(o.Selling),
			Buying:             toArchivedAsset(o.Buying),
			Amount:             o.Amount,
			Price:              o.Price,
			PriceN:             o.PriceN,
			PriceD:             o.PriceD,
			LastModifiedLedger: o.LastModifiedLedger,
			LastModifiedTime:   o.LastModifiedTime,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}

var _ Sink = (*BlobSink)(nil)
