package volstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cyberinferno/volserve/volume"
)

const s3Scheme = "s3://"

// ObjectGetter is the subset of the S3 client the loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures NewS3Client.
type S3Config struct {
	Region          string
	Endpoint        string // Custom endpoint, e.g. a MinIO server; path-style addressing is used when set
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from static settings. Without keys the
// client sends anonymous requests.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{Region: cfg.Region}

	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "volserve",
		}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}

	return s3.New(opts)
}

// S3Loader reads volume files from S3 paths of the form s3://bucket/key.
type S3Loader struct {
	client   ObjectGetter
	maxBytes int64
}

// NewS3Loader creates an S3 loader.
//
// Parameters:
//   - client: An *s3.Client or any ObjectGetter
//   - maxBytes: Largest voxel payload accepted; 0 means no limit
//
// Returns:
//   - A new S3Loader
func NewS3Loader(client ObjectGetter, maxBytes int64) *S3Loader {
	return &S3Loader{client: client, maxBytes: maxBytes}
}

// ParseS3Path splits s3://bucket/key.
func ParseS3Path(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 path: %q", path)
	}

	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 path needs a bucket and key: %q", path)
	}

	return bucket, key, nil
}

// Load implements Loader.
func (l *S3Loader) Load(ctx context.Context, path string) (*volume.Descriptor, error) {
	bucket, key, err := ParseS3Path(path)
	if err != nil {
		return nil, notFound(path, err)
	}

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, notFound(path, err)
		}
		return nil, ioFailure(path, err)
	}
	defer out.Body.Close()

	vd, err := ReadVolume(out.Body, l.maxBytes)
	if err != nil {
		return nil, ioFailure(path, err)
	}

	return vd, nil
}
