package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/catalog"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
	"github.com/maartenbreddels/ipywebrtc/internal/infrastructure/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockFileStore struct {
	mock.Mock
}

func (m *MockFileStore) Save(ctx context.Context, name string, r io.Reader) error {
	data, _ := io.ReadAll(r)
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

func (m *MockFileStore) Exists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func construct(t *testing.T, kind domain.Kind) *entity.Entity {
	t.Helper()
	e, err := catalog.Builtin(schema.Builtin()).Construct(kind, "rec-1", domain.OriginLocal)
	require.NoError(t, err)
	return e
}

func TestFilename(t *testing.T) {
	rec := construct(t, domain.KindVideoRecorder)

	name, err := Filename(rec, "")
	require.NoError(t, err)
	assert.Equal(t, "record.webm", name)

	name, err = Filename(rec, "clip")
	require.NoError(t, err)
	assert.Equal(t, "clip.webm", name)

	name, err = Filename(rec, "clip.mkv")
	require.NoError(t, err)
	assert.Equal(t, "clip.mkv", name)

	_, err = Filename(rec, "a/b")
	assert.True(t, domain.IsValidationError(err))

	video := construct(t, domain.KindVideoStream)
	name, err = Filename(video, "")
	require.NoError(t, err)
	assert.Equal(t, "rec-1.mp4", name)
}

func TestMediaFiles_SaveBeforeRecording(t *testing.T) {
	store := new(MockFileStore)
	media := NewMediaFiles(store, zap.NewNop().Sugar())
	rec := construct(t, domain.KindAudioRecorder)

	_, err := media.Save(context.Background(), rec, "")
	assert.True(t, domain.IsEmptyDataError(err))
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestMediaFiles_SaveWritesPayload(t *testing.T) {
	store := new(MockFileStore)
	media := NewMediaFiles(store, zap.NewNop().Sugar())
	img := construct(t, domain.KindImageStream)
	require.NoError(t, img.Set("image", []byte{0x89, 'P', 'N', 'G'}))

	store.On("Save", mock.Anything, "still.png", []byte{0x89, 'P', 'N', 'G'}).Return(nil).Once()

	name, err := media.Save(context.Background(), img, "still")
	require.NoError(t, err)
	assert.Equal(t, "still.png", name)
	store.AssertExpectations(t)
}

func TestMediaFiles_SaveStoreFailure(t *testing.T) {
	store := new(MockFileStore)
	media := NewMediaFiles(store, zap.NewNop().Sugar())
	rec := construct(t, domain.KindImageRecorder)
	require.NoError(t, rec.Set("data", []byte("frame")))

	diskFull := errors.New("disk full")
	store.On("Save", mock.Anything, "record.png", []byte("frame")).Return(diskFull)

	_, err := media.Save(context.Background(), rec, "")
	assert.ErrorIs(t, err, diskFull)
}

func TestMediaFiles_SaveRejectsKindWithoutPayload(t *testing.T) {
	media := NewMediaFiles(new(MockFileStore), zap.NewNop().Sugar())
	peer := construct(t, domain.KindWebRTCPeer)

	_, err := media.Save(context.Background(), peer, "")
	assert.ErrorIs(t, err, domain.ErrUnknownAttr)
}

func TestMediaFiles_AutosaveRemoteRecording(t *testing.T) {
	dir := t.TempDir()
	fs, err := storage.NewFileStorage(dir)
	require.NoError(t, err)

	opts := defaultTestOptions()
	opts.store = fs
	h, tr := newHostWithFrontend(t, opts)
	collect(t, tr)
	ctx := context.Background()

	saved := make(chan string, 4)
	h.Media().OnSaved(func(_ domain.EntityID, name string, err error) {
		if err == nil {
			saved <- name
		}
	})

	rec, err := h.Create(ctx, domain.KindVideoRecorder, map[string]any{"autosave": true})
	require.NoError(t, err)

	_, err = h.Media().Save(ctx, rec, "")
	require.True(t, domain.IsEmptyDataError(err))

	payload := []byte("RIFF....WEBM")
	w := &domain.WireValue{Type: domain.AttrBytes, Bytes: payload}
	require.NoError(t, tr.Send(ctx, domain.NewStateUpdate(rec.ID(), domain.KindVideoRecorder, "data", w)))

	assert.Eventually(t, func() bool {
		select {
		case name := <-saved:
			return name == "record.webm"
		default:
			return false
		}
	}, waitFor, tick)

	got, err := os.ReadFile(filepath.Join(dir, "record.webm"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	name, err := h.Media().Save(ctx, rec, "copy")
	require.NoError(t, err)
	assert.Equal(t, "copy.webm", name)
}

// heldStore blocks its first Save until released and records every payload.
type heldStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	saves []string
}

func (s *heldStore) Save(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	s.mu.Lock()
	s.saves = append(s.saves, string(data))
	s.mu.Unlock()
	return nil
}

func (s *heldStore) Exists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (s *heldStore) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves...)
}

func TestMediaFiles_AutosaveKeepsNewestPayload(t *testing.T) {
	store := &heldStore{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewMediaFiles(store, zap.NewNop().Sugar())

	rec := construct(t, domain.KindVideoRecorder)
	m.EnableAutosave(rec)
	require.NoError(t, rec.Set("autosave", true))

	_, err := rec.ApplyRemote("data", []byte("one"))
	require.NoError(t, err)
	<-store.entered
	_, err = rec.ApplyRemote("data", []byte("two"))
	require.NoError(t, err)
	_, err = rec.ApplyRemote("data", []byte("three"))
	require.NoError(t, err)
	close(store.release)

	require.Eventually(t, func() bool { return len(store.written()) == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"one", "three"}, store.written())
}
