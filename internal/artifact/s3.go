package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/opencontainers/go-digest"
)

// s3Store keeps artifact blobs in an S3 bucket under
// <prefix>/blobs/<algorithm>/<hex>.
type s3Store struct {
	bucket string
	prefix string
	client *s3.Client
}

func newS3Store(options map[string]string) (Store, error) {
	bucket := options["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 artifact backend requires 'bucket'")
	}
	prefix := options["prefix"]
	if prefix == "" {
		prefix = "windlass/artifacts"
	}
	region := options["region"]
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if profile := options["profile"]; profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &s3Store{
		bucket: bucket,
		prefix: prefix,
		client: s3.NewFromConfig(cfg),
	}, nil
}

func (s *s3Store) blobKey(dgst digest.Digest) string {
	return path.Join(s.prefix, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

func (s *s3Store) Push(ctx context.Context, name string, payload []byte) (string, error) {
	dgst := digest.FromBytes(payload)
	ref, err := canonicalRef(name, dgst)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(dgst)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return "", fmt.Errorf("failed to push artifact to s3://%s/%s: %w", s.bucket, s.blobKey(dgst), err)
	}
	return ref, nil
}

func (s *s3Store) Pull(ctx context.Context, ref string) ([]byte, error) {
	dgst, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(dgst)),
	})
	if err != nil {
		if isMissingKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to pull artifact: %w", err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}
	payload := buf.Bytes()

	if digest.FromBytes(payload) != dgst {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, ref)
	}
	return payload, nil
}

func isMissingKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
