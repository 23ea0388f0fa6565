package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3VaultConfig configures the S3 vault backend.
type S3VaultConfig struct {
	Bucket   string
	Region   string
	Prefix   string // key prefix for all objects
	Endpoint string // for S3-compatible services (MinIO, etc.)
	// AccessKeyID and SecretAccessKey authenticate when set. Prefer IAM
	// roles or the AWS environment variables; never commit credentials.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool // path-style addressing for S3-compatible services
}

// S3Vault stores snapshots in S3 or an S3-compatible service. Snapshot
// bytes are uploaded through the transfer manager so large databases
// stream as multipart uploads; metadata lives in a JSON sidecar object.
type S3Vault struct {
	name     string
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Vault = (*S3Vault)(nil)

// NewS3Vault creates an S3 vault. The AWS credential chain applies unless
// static credentials are configured.
func NewS3Vault(ctx context.Context, name string, cfg S3VaultConfig) (*S3Vault, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Vault{
		name:     name,
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

func (v *S3Vault) snapshotObjectKey(deviceID, name string) string {
	return v.prefix + deviceID + "/" + name + ".snap"
}

func (v *S3Vault) metadataObjectKey(deviceID, name string) string {
	return v.prefix + deviceID + "/" + name + ".meta.json"
}

func (v *S3Vault) PutSnapshot(ctx context.Context, meta Snapshot, r io.Reader) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.snapshotObjectKey(meta.DeviceID, meta.Name)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading snapshot: %w", err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding snapshot metadata: %w", err)
	}
	_, err = v.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(v.bucket),
		Key:         aws.String(v.metadataObjectKey(meta.DeviceID, meta.Name)),
		Body:        bytes.NewReader(metaData),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading snapshot metadata: %w", err)
	}
	return nil
}

func (v *S3Vault) GetSnapshot(ctx context.Context, deviceID, name string, w io.Writer) error {
	resp, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.snapshotObjectKey(deviceID, name)),
	})
	if err != nil {
		return fmt.Errorf("downloading snapshot: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading snapshot body: %w", err)
	}
	return nil
}

func (v *S3Vault) ListSnapshots(ctx context.Context, deviceID string) ([]Snapshot, error) {
	devicePrefix := v.prefix + deviceID + "/"

	var out []Snapshot
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(devicePrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".meta.json") {
				continue
			}
			meta, err := v.readMetadata(ctx, key)
			if err != nil {
				return nil, err
			}
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (v *S3Vault) readMetadata(ctx context.Context, key string) (Snapshot, error) {
	resp, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot metadata %s: %w", key, err)
	}
	defer resp.Body.Close()

	var meta Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot metadata %s: %w", key, err)
	}
	return meta, nil
}

// ValidateSetup verifies the bucket is reachable with the configured
// credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}
