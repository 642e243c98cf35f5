package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultDirPerm  os.FileMode = 0o750
	defaultFilePerm os.FileMode = 0o640
)

// LocalStore keeps artifacts on a local or mounted volume shared with the grading worker.
// Handles are absolute file paths.
type LocalStore struct {
	root   string
	prefix string
}

// NewLocalStore creates a store rooted at root. prefix is an optional subdirectory.
func NewLocalStore(root, prefix string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root failed: %w", err)
	}
	if err := os.MkdirAll(abs, defaultDirPerm); err != nil {
		return nil, fmt.Errorf("create artifact root failed: %w", err)
	}
	return &LocalStore{root: abs, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *LocalStore) Store(ctx context.Context, ownerID int64, r io.Reader, size int64, originalName string) (Handle, error) {
	if r == nil {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("artifact reader is required")
	}
	if err := ctx.Err(); err != nil {
		return "", pkgerrors.Wrap(err, pkgerrors.Timeout)
	}
	dir := filepath.Join(s.root, s.prefix, strconv.FormatInt(ownerID, 10))
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "create artifact directory failed")
	}

	target := filepath.Join(dir, StoredName(originalName))
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFilePerm)
	if err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "create artifact file failed")
	}
	committed := false
	defer func() {
		_ = f.Close()
		if !committed {
			_ = os.Remove(target)
		}
	}()

	written, err := io.Copy(f, r)
	if err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "write artifact failed")
	}
	if size >= 0 && written != size {
		return "", pkgerrors.Newf(pkgerrors.ArtifactStoreFailed, "short artifact write: %d of %d bytes", written, size)
	}
	if err := f.Sync(); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "sync artifact failed")
	}
	if err := f.Close(); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "close artifact failed")
	}
	committed = true
	if err := fsyncDir(dir); err != nil {
		logger.Warn(ctx, "sync artifact directory failed", zap.String("path", dir), zap.Error(err))
	}

	logger.Info(ctx, "artifact stored",
		zap.Int64("owner_id", ownerID),
		zap.String("path", target),
		zap.Int64("bytes", written),
	)
	return Handle(target), nil
}

func (s *LocalStore) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	p, err := s.resolve(h)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.Wrapf(err, pkgerrors.NotFound, "artifact not found")
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "open artifact failed")
	}
	return f, nil
}

func (s *LocalStore) Remove(ctx context.Context, h Handle) error {
	p, err := s.resolve(h)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, pkgerrors.ArtifactStoreFailed, "remove artifact failed")
	}
	return nil
}

// resolve rejects handles outside the store root.
func (s *LocalStore) resolve(h Handle) (string, error) {
	p := filepath.Clean(string(h))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || !filepath.IsAbs(p) || rel == "." || strings.HasPrefix(rel, "..") {
		return "", pkgerrors.Newf(pkgerrors.InvalidParams, "artifact handle outside store: %s", h)
	}
	return p, nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

var _ Store = (*LocalStore)(nil)
