package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type BucketClient interface {
	WriteScreenshot(ctx context.Context, body []byte, gnis, filename string) string
}

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	s3Config, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack does not support `virtual host addressing style` that uses s3 by default.
	// For test purposes use configuration with disabled 'virtual hosted bucket addressing'.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(s3Config)
	}
	log.Info("connected to s3")

	return &S3BucketClient{
		client: s3client,
		cfg:    cfg,
		log:    log,
	}
}

// WriteScreenshot mirrors the captured JPEG to the bucket and returns the
// https link, or an empty string on failure. An upload failure never fails
// the capture; the local file remains authoritative.
func (bc *S3BucketClient) WriteScreenshot(ctx context.Context, body []byte, gnis, filename string) string {
	s3Key := fmt.Sprintf("%s/%s/%s", bc.cfg.KeyPrefix, gnis, filename)

	_, err := bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		bc.log.Error("failed to save screenshot to s3.", slog.String("err", err.Error()))
		return ""
	}
	bc.log.Debug("screenshot saved to s3.", slog.String("key", s3Key))

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bc.cfg.BucketName, bc.cfg.Region, s3Key)
}
