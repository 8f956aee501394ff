package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cowcowlabs/cowcow/internal/config"
)

// S3API is the subset of the S3 client the collector uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// S3Collector ships takes straight into an S3-compatible bucket (AWS, R2,
// MinIO) as multipart uploads. Chunk i becomes part i+1, so re-sending a
// chunk overwrites the same part. The upload id is rediscovered from the
// bucket after a restart.
type S3Collector struct {
	api    S3API
	bucket string
	prefix string

	mu      sync.Mutex
	uploads map[string]string
}

// NewS3Client builds an S3 client from configuration. A custom endpoint
// switches to path-style addressing for R2 and MinIO.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

func NewS3Collector(api S3API, bucket, prefix string) *S3Collector {
	return &S3Collector{
		api:     api,
		bucket:  bucket,
		prefix:  prefix,
		uploads: make(map[string]string),
	}
}

func (c *S3Collector) key(takeID string) string {
	return path.Join(c.prefix, takeID+".wav")
}

func (c *S3Collector) SendChunk(ctx context.Context, req ChunkRequest) (Ack, error) {
	key := c.key(req.TakeID)
	end := req.Offset + int64(len(req.Data))

	// A take that fits in one chunk skips the multipart machinery.
	if req.Final && req.Offset == 0 {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(req.Data),
			ContentType: aws.String("audio/wav"),
		})
		if err != nil {
			return Ack{}, classifyS3("put object", err)
		}
		return Ack{Offset: end, Complete: true, Reward: c.location(key)}, nil
	}

	uploadID, err := c.uploadID(ctx, key, req.Offset == 0)
	if err != nil {
		return Ack{}, err
	}
	if uploadID == "" {
		// Nothing in flight: the object may already be complete from an
		// earlier pass whose acknowledgement was lost.
		if _, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)}); err != nil {
			return Ack{}, fatal("no multipart upload in progress for %s: %w", key, err)
		}
		return Ack{Offset: end, Complete: req.Final, Reward: c.location(key)}, nil
	}

	if len(req.Data) > 0 {
		_, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(c.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(req.Index + 1)),
			Body:       bytes.NewReader(req.Data),
		})
		if err != nil {
			return Ack{}, classifyS3("upload part", err)
		}
	}
	if !req.Final {
		return Ack{Offset: end}, nil
	}

	parts, err := c.listParts(ctx, key, uploadID)
	if err != nil {
		return Ack{}, err
	}
	_, err = c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return Ack{}, classifyS3("complete multipart upload", err)
	}
	c.mu.Lock()
	delete(c.uploads, key)
	c.mu.Unlock()
	return Ack{Offset: end, Complete: true, Reward: c.location(key)}, nil
}

// uploadID finds the multipart upload for key, creating one when create is
// set and none exists.
func (c *S3Collector) uploadID(ctx context.Context, key string, create bool) (string, error) {
	c.mu.Lock()
	id, ok := c.uploads[key]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	out, err := c.api.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return "", classifyS3("list multipart uploads", err)
	}
	for _, u := range out.Uploads {
		if aws.ToString(u.Key) == key {
			id = aws.ToString(u.UploadId)
		}
	}
	if id == "" && create {
		created, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			ContentType: aws.String("audio/wav"),
		})
		if err != nil {
			return "", classifyS3("create multipart upload", err)
		}
		id = aws.ToString(created.UploadId)
	}
	if id != "" {
		c.mu.Lock()
		c.uploads[key] = id
		c.mu.Unlock()
	}
	return id, nil
}

func (c *S3Collector) listParts(ctx context.Context, key, uploadID string) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	var marker *string
	for {
		out, err := c.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, classifyS3("list parts", err)
		}
		for _, p := range out.Parts {
			parts = append(parts, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

func (c *S3Collector) location(key string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"bucket": c.bucket, "key": key})
	return data
}

func classifyS3(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return statusError(re.HTTPStatusCode(), fmt.Errorf("%s: %w", op, err))
	}
	return transient("%s: %w", op, err)
}
