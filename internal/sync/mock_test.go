package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/model"
	"github.com/njoerd114/fieldsync/internal/remote"
)

// --- Mock Remote ---------------------------------------------------------------

type mockRemote struct {
	mu gosync.Mutex

	meters   []model.Meter
	readings []model.Reading

	meterErr   error
	readingErr error

	// createErr maps reading id → error returned by CreateReading.
	createErr map[string]error
	createdAt time.Time
	created   []remote.CreateReadingRequest

	// block, when set, is waited on inside SyncMeters.
	block   chan struct{}
	entered chan struct{}

	sinceMeters   []time.Time
	sinceReadings []time.Time
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		createErr: make(map[string]error),
		createdAt: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *mockRemote) SyncMeters(ctx context.Context, since time.Time) ([]model.Meter, error) {
	if m.entered != nil {
		close(m.entered)
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinceMeters = append(m.sinceMeters, since)
	if m.meterErr != nil {
		return nil, m.meterErr
	}
	return append([]model.Meter(nil), m.meters...), nil
}

func (m *mockRemote) SyncReadings(_ context.Context, since time.Time) ([]model.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinceReadings = append(m.sinceReadings, since)
	if m.readingErr != nil {
		return nil, m.readingErr
	}
	return append([]model.Reading(nil), m.readings...), nil
}

func (m *mockRemote) CreateReading(_ context.Context, req remote.CreateReadingRequest) (remote.CreateReadingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr[req.ID]; err != nil {
		return remote.CreateReadingResponse{}, err
	}
	m.created = append(m.created, req)
	return remote.CreateReadingResponse{ID: req.ID, CreatedAt: m.createdAt}, nil
}

// --- Mock Local Store ----------------------------------------------------------

type mockStore struct {
	mu       gosync.Mutex
	meters   map[string]*model.Meter
	readings map[string]*model.Reading
	order    []string // reading insertion order
	pictures string

	// failInsert maps record id → error returned by Insert*.
	failInsert map[string]error
	failMark   error
	failReset  error
	resets     int
}

func newMockStore(pictures string) *mockStore {
	return &mockStore{
		meters:     make(map[string]*model.Meter),
		readings:   make(map[string]*model.Reading),
		pictures:   pictures,
		failInsert: make(map[string]error),
	}
}

func (s *mockStore) GetMeter(_ context.Context, id string) (*model.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meters[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *mockStore) InsertMeter(_ context.Context, m *model.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failInsert[m.ID]; err != nil {
		return err
	}
	if _, ok := s.meters[m.ID]; ok {
		return fmt.Errorf("meter %q: UNIQUE constraint failed", m.ID)
	}
	cp := *m
	s.meters[m.ID] = &cp
	return nil
}

func (s *mockStore) UpdateMeter(_ context.Context, m *model.Meter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meters[m.ID]; !ok {
		return false, nil
	}
	cp := *m
	s.meters[m.ID] = &cp
	return true, nil
}

func (s *mockStore) GetReading(_ context.Context, id string) (*model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readings[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) InsertReading(_ context.Context, r *model.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failInsert[r.ID]; err != nil {
		return err
	}
	if _, ok := s.meters[r.MeterID]; !ok {
		return fmt.Errorf("reading %q: FOREIGN KEY constraint failed", r.ID)
	}
	if _, ok := s.readings[r.ID]; ok {
		return fmt.Errorf("reading %q: UNIQUE constraint failed", r.ID)
	}
	cp := *r
	s.readings[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *mockStore) UpdateReading(_ context.Context, r *model.Reading) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readings[r.ID]; !ok {
		return false, nil
	}
	cp := *r
	s.readings[r.ID] = &cp
	return true, nil
}

func (s *mockStore) ListPendingReadings(_ context.Context) ([]*model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Reading
	for _, id := range s.order {
		if r, ok := s.readings[id]; ok && r.SynchedAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *mockStore) MarkReadingSynced(_ context.Context, id string, synchedAt time.Time, imagePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMark != nil {
		return s.failMark
	}
	r, ok := s.readings[id]
	if !ok {
		return errors.New("reading not found")
	}
	t := synchedAt
	r.SynchedAt = &t
	r.ImagePath = imagePath
	return nil
}

func (s *mockStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReset != nil {
		return s.failReset
	}
	s.resets++
	s.meters = make(map[string]*model.Meter)
	s.readings = make(map[string]*model.Reading)
	s.order = nil
	return os.RemoveAll(s.pictures)
}

func (s *mockStore) PicturesDir() string { return s.pictures }

func (s *mockStore) reading(id string) *model.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.readings[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (s *mockStore) meterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meters)
}

// --- Mock Watermark ------------------------------------------------------------

type mockWatermark struct {
	mu       gosync.Mutex
	value    time.Time
	readErr  error
	writeErr error
	clearErr error
	writes   int
}

func (w *mockWatermark) Read(context.Context) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.readErr
}

func (w *mockWatermark) Write(_ context.Context, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.value = t
	w.writes++
	return nil
}

func (w *mockWatermark) Clear(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.clearErr != nil {
		return w.clearErr
	}
	w.value = time.Time{}
	return nil
}

// --- Mock Assets ---------------------------------------------------------------

// mockAssets writes real files so tests can assert on the pictures tree.
type mockAssets struct {
	mu gosync.Mutex

	uploadErr   map[string]error // local path → error
	downloadErr error
	uploadURL   string

	uploaded   []string
	downloaded map[string]string // dest → url
	removed    []string
}

func newMockAssets() *mockAssets {
	return &mockAssets{
		uploadErr:  make(map[string]error),
		uploadURL:  "https://cdn.example.com/",
		downloaded: make(map[string]string),
	}
}

func (a *mockAssets) Upload(_ context.Context, localPath, _ string, _ assets.UploadOptions) (assets.UploadResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.uploadErr[localPath]; err != nil {
		return assets.UploadResult{}, &assets.UploadError{Path: localPath, Err: err}
	}
	if _, err := os.Stat(localPath); err != nil {
		return assets.UploadResult{}, &assets.UploadError{Path: localPath, Err: err}
	}
	a.uploaded = append(a.uploaded, localPath)
	return assets.UploadResult{URL: a.uploadURL + filepath.Base(localPath)}, nil
}

func (a *mockAssets) Download(_ context.Context, remoteURL, destPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.downloadErr != nil {
		return &assets.DownloadError{URL: remoteURL, Err: a.downloadErr}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(destPath, []byte(remoteURL), 0o600); err != nil {
		return err
	}
	a.downloaded[destPath] = remoteURL
	return nil
}

func (a *mockAssets) Remove(localPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, localPath)
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (a *mockAssets) downloadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.downloaded)
}
