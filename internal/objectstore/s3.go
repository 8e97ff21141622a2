// Package objectstore manages the object storage buckets that hold logical
// backup exports: bucket provisioning, versioning, cross-region replication
// and storage-class tiering.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// ReplicationSpec describes a cross-region bucket replication rule.
type ReplicationSpec struct {
	SourceBucket      string
	DestinationBucket string
	DestinationRegion string
	RoleARN           string
	// ReplicationMinutes is the replication time objective applied to the
	// rule. Zero means 15 minutes.
	ReplicationMinutes int
}

// TieringSpec describes the storage-class transition schedule for a bucket.
type TieringSpec struct {
	Bucket                  string
	InfrequentAccessDays    int
	ArchiveDays             int
	DeepArchiveDays         int
	NoncurrentExpirationDay int
}

// DefaultTiering returns the standard tiering schedule for backup buckets.
func DefaultTiering(bucket string) TieringSpec {
	return TieringSpec{
		Bucket:                  bucket,
		InfrequentAccessDays:    30,
		ArchiveDays:             90,
		DeepArchiveDays:         180,
		NoncurrentExpirationDay: 365,
	}
}

// S3 provisions and configures backup buckets through the AWS S3 API.
type S3 struct {
	client *s3.Client
	region string
	logger zerolog.Logger
}

// NewS3 creates a bucket manager for the given region.
func NewS3(client *s3.Client, region string, logger zerolog.Logger) *S3 {
	return &S3{
		client: client,
		region: region,
		logger: logger.With().Str("component", "objectstore").Logger(),
	}
}

// EnsureBucket creates the bucket if it does not already exist and enables
// versioning on it. Versioning is required for replication.
func (c *S3) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("head bucket %s: %w", bucket, err)
		}
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if c.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(c.region),
			}
		}
		if _, err := c.client.CreateBucket(ctx, input); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		c.logger.Info().Str("bucket", bucket).Str("region", c.region).Msg("bucket created")
	}

	_, err = c.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("enable versioning on %s: %w", bucket, err)
	}
	return nil
}

// ConfigureReplication installs a replication rule copying every object from
// the source bucket to the destination bucket with a replication time
// objective.
func (c *S3) ConfigureReplication(ctx context.Context, spec ReplicationSpec) error {
	minutes := spec.ReplicationMinutes
	if minutes <= 0 {
		minutes = 15
	}

	_, err := c.client.PutBucketReplication(ctx, &s3.PutBucketReplicationInput{
		Bucket: aws.String(spec.SourceBucket),
		ReplicationConfiguration: &types.ReplicationConfiguration{
			Role: aws.String(spec.RoleARN),
			Rules: []types.ReplicationRule{
				{
					ID:       aws.String("backup-replication"),
					Status:   types.ReplicationRuleStatusEnabled,
					Priority: aws.Int32(1),
					Filter:   &types.ReplicationRuleFilter{Prefix: aws.String("")},
					DeleteMarkerReplication: &types.DeleteMarkerReplication{
						Status: types.DeleteMarkerReplicationStatusDisabled,
					},
					Destination: &types.Destination{
						Bucket:       aws.String("arn:aws:s3:::" + spec.DestinationBucket),
						StorageClass: types.StorageClassStandard,
						ReplicationTime: &types.ReplicationTime{
							Status: types.ReplicationTimeStatusEnabled,
							Time:   &types.ReplicationTimeValue{Minutes: aws.Int32(int32(minutes))},
						},
						Metrics: &types.Metrics{
							Status:         types.MetricsStatusEnabled,
							EventThreshold: &types.ReplicationTimeValue{Minutes: aws.Int32(int32(minutes))},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("configure replication %s -> %s: %w", spec.SourceBucket, spec.DestinationBucket, err)
	}

	c.logger.Info().
		Str("source_bucket", spec.SourceBucket).
		Str("destination_bucket", spec.DestinationBucket).
		Str("destination_region", spec.DestinationRegion).
		Int("rto_minutes", minutes).
		Msg("bucket replication configured")
	return nil
}

// ApplyTiering installs the lifecycle rules that migrate aging backup
// objects to colder storage classes and expire old noncurrent versions.
func (c *S3) ApplyTiering(ctx context.Context, spec TieringSpec) error {
	rule := types.LifecycleRule{
		ID:     aws.String("backup-tiering"),
		Status: types.ExpirationStatusEnabled,
		Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
		Transitions: []types.Transition{
			{Days: aws.Int32(int32(spec.InfrequentAccessDays)), StorageClass: types.TransitionStorageClassStandardIa},
			{Days: aws.Int32(int32(spec.ArchiveDays)), StorageClass: types.TransitionStorageClassGlacier},
			{Days: aws.Int32(int32(spec.DeepArchiveDays)), StorageClass: types.TransitionStorageClassDeepArchive},
		},
		NoncurrentVersionExpiration: &types.NoncurrentVersionExpiration{
			NoncurrentDays: aws.Int32(int32(spec.NoncurrentExpirationDay)),
		},
	}

	_, err := c.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(spec.Bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{rule},
		},
	})
	if err != nil {
		return fmt.Errorf("apply tiering on %s: %w", spec.Bucket, err)
	}
	return nil
}
