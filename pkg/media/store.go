package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
)

// Mirror replicates committed artifacts to shared storage so other replicas can serve them.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
}

// ErrMirrorMiss is returned by Mirror.Download when the key is not replicated.
var ErrMirrorMiss = errors.New("artifact not in mirror")

// Store is the content-addressed artifact cache rooted at a single directory. It owns every file
// under that directory; artifacts are immutable once present.
type Store struct {
	root   string
	mirror Mirror
}

type StoreOption func(*Store)

func WithMirror(mirror Mirror) StoreOption {
	return func(s *Store) {
		s.mirror = mirror
	}
}

func NewStore(root string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		return nil, utils.WrapIfNotNil(errors.New("media root is required"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}

	s := &Store{root: abs}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

// PathFor returns the final on-disk path of the artifact. The file may not exist yet.
func (s *Store) PathFor(a Artifact) (string, error) {
	if err := a.Validate(); err != nil {
		return "", utils.WrapIfNotNil(err)
	}
	return filepath.Join(s.root, filepath.FromSlash(a.Key())), nil
}

// Exists reports whether the artifact is fully committed locally. A local miss consults the
// mirror and hydrates the local copy on a hit.
func (s *Store) Exists(ctx context.Context, a Artifact) bool {
	finalPath, err := s.PathFor(a)
	if err != nil {
		return false
	}
	if info, statErr := os.Stat(finalPath); statErr == nil && info.Mode().IsRegular() {
		return true
	}
	if s.mirror == nil {
		return false
	}

	data, err := s.mirror.Download(ctx, a.Key())
	if err != nil {
		if !errors.Is(err, ErrMirrorMiss) {
			logging.NewLogger(ctx).Warnf("media_mirror_download_failed key=%s err=%v", a.Key(), err)
		}
		return false
	}
	if _, err := s.commit(finalPath, data); err != nil {
		logging.NewLogger(ctx).Warnf("media_mirror_hydrate_failed key=%s err=%v", a.Key(), err)
		return false
	}
	return true
}

// Write commits data under the artifact's final path exactly once. It reports false without
// touching the disk when the artifact is already present. Data is staged in a temp file in the
// same directory and linked into place, so a failed write never leaves a partial file at the
// final path and never replaces a present one.
func (s *Store) Write(ctx context.Context, a Artifact, data []byte) (bool, error) {
	finalPath, err := s.PathFor(a)
	if err != nil {
		return false, model.Classify(model.ErrCacheWrite, utils.WrapIfNotNil(err))
	}
	if len(data) == 0 {
		return false, model.Classify(model.ErrCacheWrite, utils.WrapIfNotNil(errors.New("refusing to store empty artifact"), a.Key()))
	}

	written, err := s.commit(finalPath, data)
	if err != nil {
		return false, model.Classify(model.ErrCacheWrite, utils.WrapIfNotNil(err, a.Key()))
	}
	if !written {
		logging.NewLogger(ctx).Debugf("media_write_skipped key=%s reason=present", a.Key())
		return false, nil
	}

	logging.NewLogger(ctx).Infof("media_written key=%s bytes=%d", a.Key(), len(data))
	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, a.Key(), data); err != nil {
			logging.NewLogger(ctx).Warnf("media_mirror_upload_failed key=%s err=%v", a.Key(), err)
		}
	}
	return true, nil
}

// Read returns the bytes of a present artifact.
func (s *Store) Read(ctx context.Context, a Artifact) ([]byte, error) {
	if !s.Exists(ctx, a) {
		return nil, utils.WrapIfNotNil(fs.ErrNotExist, a.Key())
	}
	finalPath, err := s.PathFor(a)
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}
	data, err := os.ReadFile(finalPath)
	return data, utils.WrapIfNotNil(err)
}

func (s *Store) commit(finalPath string, data []byte) (bool, error) {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create namespace dir: %w", err)
	}
	if _, err := os.Stat(finalPath); err == nil {
		return false, nil
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return false, fmt.Errorf("chmod temp file: %w", err)
	}

	// Link refuses to replace an existing file, which keeps the commit write-once even when two
	// writers race past the Stat above.
	err = os.Link(tmpPath, finalPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrExist):
		return false, nil
	}

	// Filesystems without hard links fall back to rename.
	if _, statErr := os.Stat(finalPath); statErr == nil {
		return false, nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return false, fmt.Errorf("rename into place: %w", err)
	}
	return true, nil
}
