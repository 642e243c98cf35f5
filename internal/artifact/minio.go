package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"autograder/internal/common/storage"
	pkgerrors "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	handleScheme       = "s3://"
	archiveContentType = "application/zip"
)

// ObjectStore keeps artifacts in an S3-compatible bucket.
// Handles have the form s3://<bucket>/<key>.
type ObjectStore struct {
	client storage.ObjectStorage
	bucket string
	prefix string
}

// NewObjectStore creates an object-backed store.
func NewObjectStore(client storage.ObjectStorage, bucket, prefix string) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("object storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ObjectStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *ObjectStore) Store(ctx context.Context, ownerID int64, r io.Reader, size int64, originalName string) (Handle, error) {
	if r == nil {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("artifact reader is required")
	}
	key := path.Join(s.prefix, strconv.FormatInt(ownerID, 10), StoredName(originalName))
	if err := s.client.PutObject(ctx, s.bucket, key, r, size, archiveContentType); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "upload artifact failed")
	}
	h := Handle(handleScheme + s.bucket + "/" + key)
	logger.Info(ctx, "artifact stored",
		zap.Int64("owner_id", ownerID),
		zap.String("path", h.String()),
		zap.Int64("bytes", size),
	)
	return h, nil
}

func (s *ObjectStore) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	key, err := s.key(h)
	if err != nil {
		return nil, err
	}
	rc, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "open artifact failed")
	}
	return rc, nil
}

func (s *ObjectStore) Remove(ctx context.Context, h Handle) error {
	key, err := s.key(h)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "remove artifact failed")
	}
	return nil
}

func (s *ObjectStore) key(h Handle) (string, error) {
	want := handleScheme + s.bucket + "/"
	raw := string(h)
	if !strings.HasPrefix(raw, want) || len(raw) == len(want) {
		return "", pkgerrors.Newf(pkgerrors.InvalidParams, "artifact handle outside bucket: %s", h)
	}
	return strings.TrimPrefix(raw, want), nil
}

var _ Store = (*ObjectStore)(nil)
