package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/metakill/metakill/core"
)

// S3Config options for the S3 library
type S3Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // key prefix for imported files
	AccessKeyID     string // optional static credentials
	SecretAccessKey string
	Endpoint        string // optional endpoint for S3-compatible services
	UsePathStyle    bool

	// Server-side encryption options
	EnableSSE    bool
	SSEAlgorithm string // AES256 or aws:kms
	SSEKMSKeyID  string
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type s3Deleter interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Library imports cleaned files into an S3 bucket. Library ids are
// "s3://<bucket>/<key>" URIs.
type S3Library struct {
	uploader s3Uploader
	client   s3Deleter
	bucket   string
	prefix   string
	sse      types.ServerSideEncryption
	kmsKeyID string
}

// NewS3Library creates an S3 client from cfg and the default AWS
// credential chain.
func NewS3Library(ctx context.Context, cfg S3Config) (*S3Library, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Library(manager.NewUploader(client), client, cfg)
}

func newS3Library(up s3Uploader, client s3Deleter, cfg S3Config) (*S3Library, error) {
	l := &S3Library{
		uploader: up,
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}
	if cfg.EnableSSE {
		switch cfg.SSEAlgorithm {
		case "", "AES256":
			l.sse = types.ServerSideEncryptionAes256
		case "aws:kms":
			if cfg.SSEKMSKeyID == "" {
				return nil, errors.New("KMS key ID is required when using aws:kms encryption")
			}
			l.sse = types.ServerSideEncryptionAwsKms
			l.kmsKeyID = cfg.SSEKMSKeyID
		default:
			return nil, fmt.Errorf("unknown SSE algorithm %q", cfg.SSEAlgorithm)
		}
	}
	return l, nil
}

// Import uploads path under <prefix>/<asset id>/<file name>.
func (l *S3Library) Import(ctx context.Context, file string, asset core.MediaAsset) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fsError("Cannot open output", err)
	}
	defer f.Close()

	key := path.Join(l.prefix, asset.ID.String(), filepath.Base(file))
	input := &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(ContentType(core.FormatFromExt(file))),
	}
	if l.sse != "" {
		input.ServerSideEncryption = l.sse
		if l.kmsKeyID != "" {
			input.SSEKMSKeyId = aws.String(l.kmsKeyID)
		}
	}
	if _, err := l.uploader.Upload(ctx, input); err != nil {
		if ctx.Err() != nil {
			return "", core.NewError(core.KindCancelled, ctx.Err())
		}
		return "", core.NewError(core.KindNetworkRequired, fmt.Errorf("failed to upload object: %w", err))
	}
	return "s3://" + l.bucket + "/" + key, nil
}

// Remove deletes an object by library id or bare key.
func (l *S3Library) Remove(ctx context.Context, id string) error {
	key := strings.TrimPrefix(id, "s3://"+l.bucket+"/")
	if strings.HasPrefix(key, "s3://") {
		return fmt.Errorf("library id %q belongs to another bucket", id)
	}
	_, err := l.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return core.NewError(core.KindNetworkRequired, fmt.Errorf("failed to delete object: %w", err))
	}
	return nil
}
