package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"drb/internal/config"
)

// ErrNotFound is returned by Head for a missing object.
var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

type Backend interface {
	Upload(ctx context.Context, localPath, remotePath, checksumHash string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Head(ctx context.Context, remotePath string) (*ObjectInfo, error)
	// List returns the object paths under prefix, relative to the backend prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	VerifyCredentials(ctx context.Context) error
}

type S3 struct {
	client         *s3.Client
	uploader       *manager.Uploader
	bucket         string
	prefix         string
	storageClass   types.StorageClass
	customEndpoint bool
}

// NewS3FromConfig builds the backend described by the s3 section of cfg.
func NewS3FromConfig(ctx context.Context, cfg *config.Config) (*S3, error) {
	if !cfg.S3.Enabled {
		return nil, fmt.Errorf("S3 is not enabled in config")
	}
	return NewS3(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Prefix, cfg.S3.Endpoint, cfg.S3.StorageClass, cfg.S3RetryAttempts())
}

func NewS3(ctx context.Context, bucket, region, prefix, endpoint string, storageClass types.StorageClass, maxRetryAttempts int) (*S3, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(region))

	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
		slog.Debug("Configured S3 retry strategy", "mode", "standard", "maxAttempts", maxRetryAttempts)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		slog.Info("S3 client initialized with custom endpoint", "endpoint", endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	if storageClass == "" {
		return nil, fmt.Errorf("storage class must be specified")
	}

	return &S3{
		client:         client,
		uploader:       uploader,
		bucket:         bucket,
		prefix:         prefix,
		storageClass:   storageClass,
		customEndpoint: endpoint != "",
	}, nil
}

func (s *S3) key(remotePath string) string {
	return filepath.ToSlash(filepath.Join(s.prefix, remotePath))
}

func (s *S3) Download(ctx context.Context, remotePath, localPath string) error {
	key := s.key(remotePath)

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(s.client)
	numBytes, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download from S3: %w", err)
	}

	slog.Info("Downloaded from S3", "bucket", s.bucket, "key", key, "bytes", numBytes)
	return nil
}

func (s *S3) Upload(ctx context.Context, localPath, remotePath, checksumHash string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	key := s.key(remotePath)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         file,
		StorageClass: s.storageClass,
		Tagging:      aws.String("drb-object=" + objectTag(remotePath)),
		Metadata:     map[string]string{"blake3": checksumHash},
	}

	_, err = s.uploader.Upload(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	slog.Info("Uploaded to S3", "bucket", s.bucket, "key", key, "storageClass", s.storageClass)
	return nil
}

// objectTag classifies an object for lifecycle rules.
func objectTag(remotePath string) string {
	if strings.Contains(filepath.Base(remotePath), ".img.") {
		return "image"
	}
	return "metadata"
}

func (s *S3) Head(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	key := s.key(remotePath)

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	info := &ObjectInfo{}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	if output.Metadata != nil {
		info.Blake3 = output.Metadata["blake3"]
	}
	return info, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.key("")
	if base != "" && base != "." {
		base = strings.TrimSuffix(base, "/") + "/"
	} else {
		base = ""
	}

	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(base + filepath.ToSlash(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, strings.TrimPrefix(aws.ToString(obj.Key), base))
		}
	}
	return out, nil
}

func (s *S3) VerifyCredentials(ctx context.Context) error {
	slog.Info("Verifying AWS credentials and bucket access", "bucket", s.bucket)

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}

	slog.Info("AWS credentials verified successfully", "bucket", s.bucket)
	return nil
}

func ValidateStorageClass(storageClass string) error {
	if storageClass == "GLACIER" || storageClass == "DEEP_ARCHIVE" {
		return fmt.Errorf("storage class %s is not immediately accessible (requires restore)", storageClass)
	}
	return nil
}
