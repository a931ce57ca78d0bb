package firmware

import (
	"context"
	"net/http"
	"path"

	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string `hcl:"endpoint"`
	AccessKey string `hcl:"access_key"`
	SecretKey string `hcl:"secret_key"`
	Secure    bool   `hcl:"secure"`
	Bucket    string `hcl:"bucket"`
	Prefix    string `hcl:"prefix"` // default "active"
}

// MinioSource serves objects <bucket>/<prefix>/<name>.
type MinioSource struct {
	mc     *minio.Client
	bucket string
	prefix string
	// objects outlive request context, pool closes them
	objCtx context.Context
}

func NewMinioSource(c MinioConfig) (*MinioSource, error) {
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.Secure,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "firmware minio endpoint=%s", c.Endpoint)
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = DirActive
	}
	return &MinioSource{mc: mc, bucket: c.Bucket, prefix: prefix, objCtx: context.Background()}, nil
}

func (self *MinioSource) String() string { return "minio:" + self.bucket + "/" + self.prefix }

func (self *MinioSource) Open(ctx context.Context, name string) (File, error) {
	if name == "" || path.Base(name) != name {
		return nil, Errorf(CodeAccessDenied, "firmware name=%q", name)
	}
	key := path.Join(self.prefix, name)
	info, err := self.mc.StatObject(ctx, self.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, minioError(err, key)
	}
	obj, err := self.mc.GetObject(self.objCtx, self.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(err, key)
	}
	return minioFile{Object: obj, size: info.Size}, nil
}

func minioError(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return NewError(CodeFileNotFound, errors.Annotatef(err, "object=%s", key))
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		return NewError(CodeAccessDenied, errors.Annotatef(err, "object=%s", key))
	}
	return errors.Annotatef(err, "firmware minio object=%s", key)
}

type minioFile struct {
	*minio.Object
	size int64
}

func (self minioFile) Size() int64 { return self.size }
