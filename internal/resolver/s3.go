package resolver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/saltflake/modfetch/internal/utils"
)

// S3 resolves s3://bucket/key references to presigned HTTPS URLs so the
// chunked engine can range-fetch objects like any other HTTP source.
type S3 struct {
	Expiry time.Duration

	presigner *s3.PresignClient
}

func NewS3() *S3 {
	return &S3{Expiry: 6 * time.Hour}
}

func (r *S3) Schemes() []string {
	return []string{"s3"}
}

func (r *S3) client(ctx context.Context) (*s3.PresignClient, error) {
	if r.presigner != nil {
		return r.presigner, nil
	}
	profile := os.Getenv("AWS_PROFILE")
	if profile == "" {
		profile = "default"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithSharedConfigProfile(profile), config.WithRetryMode("adaptive"))
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	r.presigner = s3.NewPresignClient(s3.NewFromConfig(cfg))
	return r.presigner, nil
}

func parseS3URL(rawURL string) (string, string, error) {
	trimmed := strings.TrimPrefix(rawURL, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: s3 URL needs bucket and key: %s", utils.ErrInvalidRequest, rawURL)
	}
	return parts[0], parts[1], nil
}

func (r *S3) Resolve(ctx context.Context, rawURL string) ([]string, error) {
	log := utils.GetLogger("s3-resolver")
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	presigner, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	presigned, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.Expiry))
	if err != nil {
		return nil, fmt.Errorf("error presigning s3://%s/%s: %v", bucket, key, err)
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Presigned S3 object")
	return []string{presigned.URL}, nil
}
