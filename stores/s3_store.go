package stores

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"zaplink.io/zap/common/logging"
	"zaplink.io/zap/config"
	pe "zaplink.io/zap/errors"
)

// S3FileStore implements FileStore on top of S3 compatible object storage
type S3FileStore struct {
	Client   *s3.Client
	Bucket   string
	MaxBytes int64
}

// NewS3FileStore creates a FileStore against the configured bucket; a custom endpoint points it at
// S3 compatible services such as MinIO
func NewS3FileStore(cfg config.S3Config, maxBytes int64) *S3FileStore {
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3FileStore{Client: client, Bucket: cfg.Bucket, MaxBytes: maxBytes}
}

func (fs *S3FileStore) Ref(key, filename string) string {
	return path.Join(SafeFilename(key), SafeFilename(filename))
}

// Save spools the upload to a temporary file first: it enforces the size limit before anything reaches
// the bucket and gives the SDK a seekable body with known length.
func (fs *S3FileStore) Save(ctx context.Context, ref string, r io.Reader) (int64, *pe.Err) {
	clog := logging.WithFuncName().WithField("ref", ref)
	tmp, err := os.CreateTemp("", "zap-upload-*")
	if err != nil {
		return 0, pe.NewServiceFailure("error allocating upload buffer").WithCause(err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	n, err := io.Copy(tmp, io.LimitReader(r, fs.MaxBytes+1))
	if err != nil {
		return 0, pe.NewServiceFailure("error buffering upload").WithCause(err)
	}
	if n > fs.MaxBytes {
		return 0, pe.NewOversized(fmt.Sprintf("file exceeds %d bytes", fs.MaxBytes))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, pe.NewServiceFailure("error rewinding upload buffer").WithCause(err)
	}
	_, err = fs.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(fs.Bucket),
		Key:           aws.String(ref),
		Body:          tmp,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		clog.WithError(err).Error("error uploading file to s3")
		return 0, pe.NewStorageUnavailable("error uploading file").WithCause(err)
	}
	return n, nil
}

func (fs *S3FileStore) Get(ctx context.Context, ref string) (io.ReadCloser, *pe.Err) {
	out, err := fs.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(fs.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, pe.NewNotFound("file not found").WithCause(err)
		}
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error("error downloading file from s3")
		return nil, pe.NewStorageUnavailable("error retrieving file").WithCause(err)
	}
	return out.Body, nil
}

// Delete relies on S3 treating the removal of a missing key as success
func (fs *S3FileStore) Delete(ctx context.Context, ref string) *pe.Err {
	_, err := fs.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(fs.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error("error deleting file from s3")
		return pe.NewStorageUnavailable("error removing file").WithCause(err)
	}
	return nil
}

func (fs *S3FileStore) Close() *pe.Err {
	return nil
}
