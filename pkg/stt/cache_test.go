package stt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/stretchr/testify/suite"
)

type CacheSuite struct {
	suite.Suite
	ctx         context.Context
	index       *BadgerIndex
	store       *media.Store
	transcriber *fakeTranscriber
	cache       *Cache
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) SetupTest() {
	s.ctx = context.Background()

	index, err := OpenBadgerIndex(s.T().TempDir())
	s.Require().NoError(err)
	s.index = index

	store, err := media.NewStore(s.T().TempDir())
	s.Require().NoError(err)
	s.store = store

	s.transcriber = &fakeTranscriber{text: "dark academia with friendship themes"}
	cache, err := NewCache(s.index, s.store, s.transcriber)
	s.Require().NoError(err)
	s.cache = cache
}

func (s *CacheSuite) TearDownTest() {
	s.NoError(s.index.Close())
}

func (s *CacheSuite) TestSameBytesTranscribedOnce() {
	audio := []byte("RIFF....WAVEfmt voice")

	first, err := s.cache.Transcribe(s.ctx, "query.wav", audio)
	s.Require().NoError(err)
	s.False(first.Cached)

	second, err := s.cache.Transcribe(s.ctx, "other-name.WAV", audio)
	s.Require().NoError(err)
	s.True(second.Cached)

	s.Equal(first.Text, second.Text)
	s.Equal(int32(1), s.transcriber.calls.Load())
	s.True(s.store.Exists(s.ctx, first.Audio))
	s.Equal(".wav", first.Audio.Ext)
}

func (s *CacheSuite) TestCacheHitPointsAtStoredAudioWhateverTheExtension() {
	audio := []byte("ID3 same recording")

	first, err := s.cache.Transcribe(s.ctx, "clip.mp3", audio)
	s.Require().NoError(err)

	second, err := s.cache.Transcribe(s.ctx, "clip.wav", audio)
	s.Require().NoError(err)
	s.True(second.Cached)
	s.Equal(".mp3", second.Audio.Ext)
	s.Equal(first.Audio, second.Audio)
	s.Equal(first.Audio.URL("/media"), second.Audio.URL("/media"))
	s.True(s.store.Exists(s.ctx, second.Audio))
}

func (s *CacheSuite) TestLeaderCancellationDoesNotFailSharedTranscription() {
	s.transcriber.gate = make(chan struct{})
	leaderCtx, cancel := context.WithCancel(s.ctx)

	var wg sync.WaitGroup
	var leaderErr, followerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = s.cache.Transcribe(leaderCtx, "q.ogg", []byte("shared"))
	}()
	s.Eventually(func() bool { return s.transcriber.calls.Load() == 1 }, timeout, tick)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, followerErr = s.cache.Transcribe(s.ctx, "q.ogg", []byte("shared"))
	}()

	cancel()
	close(s.transcriber.gate)
	wg.Wait()

	s.NoError(leaderErr)
	s.NoError(followerErr)
	s.Equal(int32(1), s.transcriber.calls.Load())
}

func (s *CacheSuite) TestDifferentBytesMiss() {
	_, err := s.cache.Transcribe(s.ctx, "a.mp3", []byte("one"))
	s.Require().NoError(err)
	_, err = s.cache.Transcribe(s.ctx, "b.mp3", []byte("two"))
	s.Require().NoError(err)

	s.Equal(int32(2), s.transcriber.calls.Load())
	count, err := s.index.Count()
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *CacheSuite) TestBlankTranscriptIsNoSpeechAndCached() {
	s.transcriber.text = "   "

	result, err := s.cache.Transcribe(s.ctx, "silence.webm", []byte("silence"))
	s.Require().Error(err)
	s.ErrorIs(err, model.ErrNoSpeech)
	s.NotErrorIs(err, model.ErrTranscription)
	s.Equal("", result.Text)

	_, err = s.cache.Transcribe(s.ctx, "silence.webm", []byte("silence"))
	s.ErrorIs(err, model.ErrNoSpeech)
	s.Equal(int32(1), s.transcriber.calls.Load())
}

func (s *CacheSuite) TestProviderFailureIsTranscriptionFailureAndNotCached() {
	s.transcriber.err = errors.New("upstream 503")

	_, err := s.cache.Transcribe(s.ctx, "a.ogg", []byte("voice"))
	s.Require().Error(err)
	s.ErrorIs(err, model.ErrTranscription)

	s.transcriber.err = nil
	result, err := s.cache.Transcribe(s.ctx, "a.ogg", []byte("voice"))
	s.Require().NoError(err)
	s.False(result.Cached)
	s.Equal(int32(2), s.transcriber.calls.Load())
}

func (s *CacheSuite) TestUnsupportedExtensionRejectedBeforeProvider() {
	_, err := s.cache.Transcribe(s.ctx, "notes.txt", []byte("hello"))
	s.ErrorIs(err, ErrUnsupportedAudio)
	s.Equal(int32(0), s.transcriber.calls.Load())
}

func (s *CacheSuite) TestEmptyUploadIsNoSpeech() {
	_, err := s.cache.Transcribe(s.ctx, "a.mp3", nil)
	s.ErrorIs(err, model.ErrNoSpeech)
	s.Equal(int32(0), s.transcriber.calls.Load())
}

func (s *CacheSuite) TestConcurrentUploadsOfSameAudioCoalesce() {
	s.transcriber.gate = make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.cache.Transcribe(s.ctx, "q.m4a", []byte("same"))
			s.NoError(err)
		}()
	}
	s.Eventually(func() bool { return s.transcriber.calls.Load() == 1 }, timeout, tick)
	close(s.transcriber.gate)
	wg.Wait()

	s.Equal(int32(1), s.transcriber.calls.Load())
}

func (s *CacheSuite) TestInMemoryIndex() {
	index, err := OpenBadgerIndex("")
	s.Require().NoError(err)
	defer index.Close()

	s.Require().NoError(index.Put(s.ctx, "abc", Entry{Text: "hello"}))
	entry, found, err := index.Get(s.ctx, "abc")
	s.Require().NoError(err)
	s.True(found)
	s.Equal("hello", entry.Text)

	_, found, err = index.Get(s.ctx, "missing")
	s.Require().NoError(err)
	s.False(found)
}

func (s *CacheSuite) TestAudioExt() {
	ext, err := AudioExt("Recording.M4A")
	s.Require().NoError(err)
	s.Equal(".m4a", ext)

	_, err = AudioExt("noext")
	s.ErrorIs(err, ErrUnsupportedAudio)
}

type fakeTranscriber struct {
	calls atomic.Int32
	text  string
	err   error
	gate  chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, model.GenerationMetadata, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if f.err != nil {
		return "", nil, f.err
	}
	return f.text, model.GenerationMetadata{model.MetadataKeyProvider: "fake"}, nil
}
