package classloading

import (
	"context"
	"errors"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"
	perrors "github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/model"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

const (
	defaultAWSRegion = "us-east-1"
	defaultMaxKeys   = 1000
)

// S3Config configures an S3Provider.
//
// For S3-compatible stores (MinIO and the like) set Endpoint and
// ForcePathStyle.
type S3Config struct {
	Bucket          string `toml:"bucket" json:"bucket"`
	Prefix          string `toml:"prefix" json:"prefix"`
	Region          string `toml:"region" json:"region"`
	Endpoint        string `toml:"endpoint" json:"endpoint"`
	Profile         string `toml:"profile" json:"profile"`
	AccessKeyID     string `toml:"access-key-id" json:"access-key-id"`
	SecretAccessKey string `toml:"secret-access-key" json:"-"`
	ForcePathStyle  bool   `toml:"force-path-style" json:"force-path-style"`

	// Includes are doublestar patterns a library key must match, relative
	// to the bucket root. Defaults to every jar under Prefix.
	Includes []string `toml:"includes" json:"includes"`
	// Excludes are doublestar patterns a library key must not match.
	Excludes []string `toml:"excludes" json:"excludes"`

	Classpaths []string `toml:"classpaths" json:"classpaths"`
}

// Validate checks the configuration and the glob patterns.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return derror.ErrConfigInvalid.GenWithStackByArgs("classloading s3 bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return derror.ErrConfigInvalid.GenWithStackByArgs(
			"classloading s3 access key id and secret access key must be provided together")
	}
	for _, patterns := range [][]string{c.includes(), c.Excludes} {
		for _, pattern := range patterns {
			if !doublestar.ValidatePattern(pattern) {
				return derror.ErrConfigInvalid.GenWithStackByArgs("invalid classloading pattern " + pattern)
			}
		}
	}
	return nil
}

func (c *S3Config) includes() []string {
	if len(c.Includes) > 0 {
		return c.Includes
	}
	return []string{c.Prefix + "**/*.jar"}
}

// S3Provider lists the job's library blobs from an S3 bucket.
type S3Provider struct {
	client     s3.ListObjectsV2APIClient
	bucket     string
	prefix     string
	includes   []string
	excludes   []string
	classpaths []string
}

// NewS3Provider creates an S3Provider with a client built from the
// default AWS credential chain, or the explicit keys of cfg.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, perrors.Annotate(err, "load aws config")
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = defaultAWSRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3ProviderWithClient(client, cfg), nil
}

// NewS3ProviderWithClient creates an S3Provider on top of an existing client.
// cfg is expected to be valid.
func NewS3ProviderWithClient(client s3.ListObjectsV2APIClient, cfg S3Config) *S3Provider {
	return &S3Provider{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		includes:   cfg.includes(),
		excludes:   cfg.Excludes,
		classpaths: cfg.Classpaths,
	}
}

// ClassloadingProps implements Provider.
func (p *S3Provider) ClassloadingProps(ctx context.Context) (*model.ClassloadingSnapshot, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		MaxKeys: aws.Int32(defaultMaxKeys),
	}
	if p.prefix != "" {
		input.Prefix = aws.String(p.prefix)
	}

	var jarKeys []string
	paginator := s3.NewListObjectsV2Paginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.wrapError(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if p.match(key) {
				jarKeys = append(jarKeys, key)
			}
		}
	}
	sort.Strings(jarKeys)

	log.L().Debug("listed classloading libraries",
		zap.String("bucket", p.bucket),
		zap.String("prefix", p.prefix),
		zap.Int("jar-count", len(jarKeys)))
	return model.NewClassloadingSnapshot(jarKeys, p.classpaths), nil
}

func (p *S3Provider) match(key string) bool {
	matched := false
	for _, pattern := range p.includes {
		if ok, _ := doublestar.Match(pattern, key); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, pattern := range p.excludes {
		if ok, _ := doublestar.Match(pattern, key); ok {
			return false
		}
	}
	return true
}

func (p *S3Provider) wrapError(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return perrors.Annotatef(err, "bucket %s not found", p.bucket)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return perrors.Annotatef(err, "list bucket %s failed with code %s", p.bucket, apiErr.ErrorCode())
	}
	return perrors.Annotatef(err, "list bucket %s", p.bucket)
}
