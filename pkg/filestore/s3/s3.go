package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Key      string
	Secret   string
	Region   string
	Bucket   string
	Endpoint string
	Debug    bool
}

type Store struct {
	region   string
	bucket   string
	endpoint string
	debug    bool
	client   *s3.Client
}

// New returns a store backed by an S3 bucket. It fails if the bucket
// can't be reached.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	s := &Store{
		region:   cfg.Region,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		debug:    cfg.Debug,
	}

	var provider aws.CredentialsProvider
	if cfg.Key == "" && cfg.Secret == "" {
		// Load credentials from EC2 Instance Role
		provider = ec2rolecreds.New()
	} else {
		provider = credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(provider),
		config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3: couldn't load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return nil, fmt.Errorf("s3: couldn't head bucket %s: %w", s.bucket, err)
	}
	return s, nil
}

// URL returns the public URL of an object.
func (s *Store) URL(name string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, name)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, name)
}

// Put writes an object. An existing object with the same name is
// overwritten.
func (s *Store) Put(ctx context.Context, name, contentType string, body io.Reader, size int64) error {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(name),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3: couldn't put object %s: %w", name, err)
	}
	if s.debug {
		js, _ := json.Marshal(out)
		log.Debug().Msgf("s3: put object %s %s", name, js)
	}
	return nil
}
