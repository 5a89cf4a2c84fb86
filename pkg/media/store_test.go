package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := NewStore(s.T().TempDir())
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreSuite) TestNewStoreRequiresRoot() {
	_, err := NewStore("")
	s.Error(err)
}

func (s *StoreSuite) TestWriteCreatesNamespaceLazily() {
	artifact := TextArtifact(PurposeNarration, "hello")
	s.NoDirExists(filepath.Join(s.store.Root(), "audio"))
	s.False(s.store.Exists(s.ctx, artifact))

	written, err := s.store.Write(s.ctx, artifact, []byte("ID3 mp3 bytes"))
	s.Require().NoError(err)
	s.True(written)
	s.True(s.store.Exists(s.ctx, artifact))

	finalPath, err := s.store.PathFor(artifact)
	s.Require().NoError(err)
	s.Equal(filepath.Join(s.store.Root(), "audio", artifact.ID+".mp3"), finalPath)
	data, err := os.ReadFile(finalPath)
	s.Require().NoError(err)
	s.Equal("ID3 mp3 bytes", string(data))
}

func (s *StoreSuite) TestSecondWriteIsNoop() {
	artifact := TextArtifact(PurposeCover, "Dune")

	written, err := s.store.Write(s.ctx, artifact, []byte("first"))
	s.Require().NoError(err)
	s.True(written)

	written, err = s.store.Write(s.ctx, artifact, []byte("second"))
	s.Require().NoError(err)
	s.False(written)

	data, err := s.store.Read(s.ctx, artifact)
	s.Require().NoError(err)
	s.Equal("first", string(data))
}

func (s *StoreSuite) TestConcurrentWritersCommitOnce() {
	artifact := TextArtifact(PurposeCover, "race")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		commits int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			written, err := s.store.Write(s.ctx, artifact, []byte{byte('a' + i)})
			s.NoError(err)
			if written {
				mu.Lock()
				commits++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.Equal(1, commits)
	s.assertNoTempFiles(PurposeCover)
}

func (s *StoreSuite) TestFailedWriteLeavesNothingVisible() {
	artifact := TextArtifact(PurposeNarration, "empty")

	written, err := s.store.Write(s.ctx, artifact, nil)
	s.Require().Error(err)
	s.ErrorIs(err, model.ErrCacheWrite)
	s.False(written)
	s.False(s.store.Exists(s.ctx, artifact))
}

func (s *StoreSuite) TestWriteIntoUnwritableNamespaceFails() {
	artifact := TextArtifact(PurposeNarration, "blocked")
	// A regular file where the namespace directory should be.
	s.Require().NoError(os.WriteFile(filepath.Join(s.store.Root(), "audio"), []byte("x"), 0o644))

	_, err := s.store.Write(s.ctx, artifact, []byte("data"))
	s.ErrorIs(err, model.ErrCacheWrite)
	s.False(s.store.Exists(s.ctx, artifact))
}

func (s *StoreSuite) TestInvalidArtifactRejected() {
	_, err := s.store.PathFor(Artifact{Purpose: PurposeNarration, ID: "../x", Ext: ".mp3"})
	s.Error(err)
	s.False(s.store.Exists(s.ctx, Artifact{Purpose: PurposeNarration, ID: "nope"}))
}

func (s *StoreSuite) TestMirrorHydratesLocalMiss() {
	mirror := newMemoryMirror()
	artifact := TextArtifact(PurposeCover, "mirrored")
	mirror.objects[artifact.Key()] = []byte("png bytes")

	store, err := NewStore(s.T().TempDir(), WithMirror(mirror))
	s.Require().NoError(err)

	s.True(store.Exists(s.ctx, artifact))
	data, err := store.Read(s.ctx, artifact)
	s.Require().NoError(err)
	s.Equal("png bytes", string(data))
}

func (s *StoreSuite) TestWriteUploadsToMirror() {
	mirror := newMemoryMirror()
	store, err := NewStore(s.T().TempDir(), WithMirror(mirror))
	s.Require().NoError(err)
	artifact := TextArtifact(PurposeNarration, "upload me")

	_, err = store.Write(s.ctx, artifact, []byte("mp3"))
	s.Require().NoError(err)

	s.Equal([]byte("mp3"), mirror.objects[artifact.Key()])
}

func (s *StoreSuite) assertNoTempFiles(purpose Purpose) {
	entries, err := os.ReadDir(filepath.Join(s.store.Root(), purpose.Namespace()))
	s.Require().NoError(err)
	s.Len(entries, 1)
}

type memoryMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{objects: make(map[string][]byte)}
}

func (m *memoryMirror) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryMirror) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrMirrorMiss
	}
	return data, nil
}
