package recordstore

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// S3Store implements a record store on Amazon S3 or compatible object
// storage. Record sets are stored as objects keyed by zone ID and
// encoded label under an optional key prefix.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates a new S3 record store. Credentials are required:
// record sets include private records and the bucket must not be
// public.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Warn("No S3 credentials provided, relying on ambient AWS credentials")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Store replaces the record set under label in the owner's zone.
// Storing an empty set deletes the object.
func (s *S3Store) Store(ctx context.Context, owner *ecdsa.PrivateKey, label string, records interfaces.RecordSet) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	key := s.objectKey(zone, label)

	if len(records) == 0 {
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("%w: delete failed: %v", interfaces.ErrStoreUnavailable, err)
		}
		return nil
	}

	data, err := encodeRecordSet(records, time.Now())
	if err != nil {
		return err
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("%w: put failed: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored record set in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Int("records", len(records)))
	return nil
}

// Lookup retrieves the record set under label in the owner's zone.
// Returns ErrRecordNotFound if the object doesn't exist.
func (s *S3Store) Lookup(ctx context.Context, owner *ecdsa.PrivateKey, label string) (interfaces.RecordSet, error) {
	start := time.Now()
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	key := s.objectKey(zone, label)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ErrRecordNotFound
		}
		s.log.Error("Failed to get object from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: get failed: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	return decodeRecordSet(data, time.Now())
}

// ZoneIterate calls fn for every label in the owner's zone, paging
// through objects under the zone's key prefix.
func (s *S3Store) ZoneIterate(ctx context.Context, owner *ecdsa.PrivateKey, fn func(label string, records interfaces.RecordSet) error) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	zonePrefix := s.objectKey(zone, "")

	var iterErr error
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(zonePrefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, object := range page.Contents {
			label, err := decodeLabel(strings.TrimPrefix(aws.StringValue(object.Key), zonePrefix))
			if err != nil {
				s.log.Warn("Skipping unrecognized object in zone prefix",
					slog.String("key", aws.StringValue(object.Key)), "err", err)
				continue
			}

			records, err := s.Lookup(ctx, owner, label)
			if err == interfaces.ErrRecordNotFound {
				continue
			}
			if err != nil {
				iterErr = err
				return false
			}
			if err := fn(label, records); err != nil {
				iterErr = err
				return false
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("%w: list failed: %v", interfaces.ErrStoreUnavailable, err)
	}
	return iterErr
}

// Name returns a unique identifier for this store.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this store.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

// objectKey generates an S3 object key for a zone and label. An empty
// label yields the zone's listing prefix.
func (s *S3Store) objectKey(zone interfaces.ZoneID, label string) string {
	key := zone.String() + "/" + encodeLabel(label)
	if label == "" {
		key = zone.String() + "/"
	}
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
