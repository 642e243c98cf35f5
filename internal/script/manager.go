// Package script installs the grading script the worker executes.
// There is exactly one active script and at most one backup of the previous version.
package script

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"autograder/internal/metrics"
	pkgerrors "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	defaultMaxBytes = 1 << 20
	defaultPerm     = 0o640
	backupSuffix    = ".bak"
)

// Config controls where and how the grading script is installed.
type Config struct {
	ActivePath        string   `yaml:"activePath"`
	BackupPath        string   `yaml:"backupPath"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
	// Perm is an octal permission string such as "0640".
	Perm     string `yaml:"perm"`
	MaxBytes int64  `yaml:"maxBytes"`
}

// Info describes the installed script.
type Info struct {
	Path          string    `json:"path"`
	SizeBytes     int64     `json:"size_bytes"`
	SHA256        string    `json:"sha256"`
	ModifiedAt    time.Time `json:"modified_at"`
	BackupPresent bool      `json:"backup_present"`
}

// Manager serializes script deployments. Readers are never blocked:
// the final rename makes a new script visible in one step.
type Manager struct {
	activePath string
	backupPath string
	allowedExt map[string]struct{}
	perm       os.FileMode
	maxBytes   int64
	metrics    *metrics.Metrics

	mu sync.Mutex
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg Config, m *metrics.Metrics) (*Manager, error) {
	if strings.TrimSpace(cfg.ActivePath) == "" {
		return nil, fmt.Errorf("script activePath is required")
	}
	active, err := filepath.Abs(cfg.ActivePath)
	if err != nil {
		return nil, fmt.Errorf("resolve script path failed: %w", err)
	}
	backup := cfg.BackupPath
	if backup == "" {
		backup = active + backupSuffix
	}
	backup, err = filepath.Abs(backup)
	if err != nil {
		return nil, fmt.Errorf("resolve backup path failed: %w", err)
	}
	if backup == active {
		return nil, fmt.Errorf("script backupPath must differ from activePath")
	}

	perm := os.FileMode(defaultPerm)
	if cfg.Perm != "" {
		v, err := strconv.ParseUint(cfg.Perm, 8, 32)
		if err != nil || v > 0o777 {
			return nil, fmt.Errorf("invalid script perm %q", cfg.Perm)
		}
		perm = os.FileMode(v)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".py"}
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	if err := os.MkdirAll(filepath.Dir(active), 0o755); err != nil {
		return nil, fmt.Errorf("create script directory failed: %w", err)
	}

	return &Manager{
		activePath: active,
		backupPath: backup,
		allowedExt: allowed,
		perm:       perm,
		maxBytes:   maxBytes,
		metrics:    m,
	}, nil
}

// ActivePath returns the path the worker reads the script from.
func (m *Manager) ActivePath() string { return m.activePath }

// MaxBytes returns the largest accepted script.
func (m *Manager) MaxBytes() int64 { return m.maxBytes }

// Deploy validates data and atomically installs it as the active script.
// Any failure leaves the previously active script untouched.
func (m *Manager) Deploy(ctx context.Context, filename string, data []byte) (Info, error) {
	if err := m.validate(filename, data); err != nil {
		m.metrics.IncScriptDeployment("rejected")
		logger.Warn(ctx, "grading script rejected", zap.String("filename", filename), zap.Error(err))
		return Info{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Info{}, pkgerrors.Wrap(err, pkgerrors.Timeout)
	}

	m.backupActive(ctx)

	if err := writeFileAtomic(m.activePath, data, m.perm); err != nil {
		m.metrics.IncScriptDeployment("failure")
		logger.Error(ctx, "grading script deploy failed", zap.String("path", m.activePath), zap.Error(err))
		return Info{}, pkgerrors.Wrapf(err, pkgerrors.ScriptDeployFailed, "deploy grading script failed")
	}

	m.metrics.IncScriptDeployment("success")
	info := m.describe(data)
	logger.Info(ctx, "grading script deployed",
		zap.String("path", m.activePath),
		zap.Int64("bytes", info.SizeBytes),
		zap.String("sha256", info.SHA256),
	)
	return info, nil
}

// backupActive copies the active script to the backup slot.
// Failure is logged and does not block the deployment.
func (m *Manager) backupActive(ctx context.Context) {
	current, err := os.ReadFile(m.activePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn(ctx, "read active script for backup failed", zap.String("path", m.activePath), zap.Error(err))
		}
		return
	}
	if err := writeFileAtomic(m.backupPath, current, m.perm); err != nil {
		logger.Warn(ctx, "grading script backup failed", zap.String("path", m.backupPath), zap.Error(err))
		return
	}
	logger.Info(ctx, "grading script backed up", zap.String("path", m.backupPath))
}

func (m *Manager) validate(filename string, data []byte) error {
	if len(data) == 0 {
		return pkgerrors.New(pkgerrors.ScriptInvalid).WithMessage("grading script is empty")
	}
	if int64(len(data)) > m.maxBytes {
		return pkgerrors.Newf(pkgerrors.ScriptTooLarge, "grading script exceeds %d bytes", m.maxBytes)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := m.allowedExt[ext]; !ok {
		return pkgerrors.Newf(pkgerrors.ScriptInvalid, "grading script must have one of the extensions %s", m.extList())
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return pkgerrors.New(pkgerrors.ScriptInvalid).WithMessage("grading script must be UTF-8 text")
	}
	if !isText(mimetype.Detect(data)) {
		return pkgerrors.New(pkgerrors.ScriptInvalid).WithMessage("grading script must be a text file")
	}
	return nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

func (m *Manager) extList() string {
	exts := make([]string, 0, len(m.allowedExt))
	for ext := range m.allowedExt {
		exts = append(exts, ext)
	}
	return strings.Join(exts, ", ")
}

// Fetch returns the active script.
func (m *Manager) Fetch(ctx context.Context) ([]byte, error) {
	return readScript(m.activePath, "grading script has not been deployed")
}

// FetchBackup returns the previously active script.
func (m *Manager) FetchBackup(ctx context.Context) ([]byte, error) {
	return readScript(m.backupPath, "no backup grading script")
}

// Info describes the active script.
func (m *Manager) Info(ctx context.Context) (Info, error) {
	data, err := m.Fetch(ctx)
	if err != nil {
		return Info{}, err
	}
	return m.describe(data), nil
}

func (m *Manager) describe(data []byte) Info {
	sum := sha256.Sum256(data)
	info := Info{
		Path:      m.activePath,
		SizeBytes: int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
	}
	if st, err := os.Stat(m.activePath); err == nil {
		info.ModifiedAt = st.ModTime().UTC()
	}
	if _, err := os.Stat(m.backupPath); err == nil {
		info.BackupPresent = true
	}
	return info
}

func readScript(path, missing string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.New(pkgerrors.ScriptNotFound).WithMessage(missing)
		}
		return nil, pkgerrors.InternalError(err).WithMessage("read grading script failed")
	}
	return data, nil
}

// syncFile flushes a temp file before it is renamed into place.
var syncFile = func(f *os.File) error { return f.Sync() }

// writeFileAtomic writes data next to path and renames it into place.
// The temp file lives in the target directory so the rename stays on one volume.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".uploading.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	// The new content is already visible; a failed directory sync only weakens durability.
	_ = fsyncDir(dir)
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
