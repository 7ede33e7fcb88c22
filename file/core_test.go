package file

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/scheduler"
)

// fakeFileStore is an in-memory file.Store, standing in for PostgresStore.
type fakeFileStore struct {
	mu       sync.Mutex
	nextFID  int64
	files    map[string]*File // "tn,fid" -> file
	variants map[string][]Variant
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{files: map[string]*File{}, variants: map[string][]Variant{}}
}

func fkey(tnID, fID int64) string {
	return fmt.Sprintf("%d,%d", tnID, fID)
}

func (s *fakeFileStore) CreatePending(ctx context.Context, tnID int64, ownerTag string, vis abac.Visibility) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFID++
	fID := s.nextFID
	s.files[fkey(tnID, fID)] = &File{TnID: tnID, FID: fID, OwnerTag: ownerTag, Visibility: vis}
	return fID, nil
}

func (s *fakeFileStore) FinalizeFile(ctx context.Context, tnID, fID int64, fileID string, first Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fkey(tnID, fID)]
	if !ok {
		return errs.NewNotFound("file: no pending file")
	}
	f.FileID = fileID
	first.TnID, first.FID = tnID, fID
	s.variants[fileID] = append(s.variants[fileID], first)
	return nil
}

func (s *fakeFileStore) AddVariant(ctx context.Context, tnID, fID int64, v Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fkey(tnID, fID)]
	if !ok {
		return errs.NewNotFound("file: not found")
	}
	v.TnID, v.FID = tnID, fID
	s.variants[f.FileID] = append(s.variants[f.FileID], v)
	return nil
}

func (s *fakeFileStore) GetFile(ctx context.Context, tnID, fID int64) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fkey(tnID, fID)]
	if !ok {
		return nil, errs.NewNotFound("file: not found")
	}
	cp := *f
	return &cp, nil
}

func (s *fakeFileStore) GetFileByFileID(ctx context.Context, tnID int64, fileID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.TnID == tnID && f.FileID == fileID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, errs.NewNotFound("file: not found")
}

func (s *fakeFileStore) ListVariants(ctx context.Context, tnID, fID int64) ([]Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fkey(tnID, fID)]
	if !ok {
		return nil, errs.NewNotFound("file: not found")
	}
	return append([]Variant(nil), s.variants[f.FileID]...), nil
}

func (s *fakeFileStore) GetVariant(ctx context.Context, tnID int64, variantID string) (*Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vs := range s.variants {
		for _, v := range vs {
			if v.TnID == tnID && v.VariantID == variantID {
				cp := v
				return &cp, nil
			}
		}
	}
	return nil, errs.NewNotFound("file: variant not found")
}

func (s *fakeFileStore) SetVisibility(ctx context.Context, tnID, fID int64, vis abac.Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fkey(tnID, fID)]
	if !ok {
		return errs.NewNotFound("file: not found")
	}
	f.Visibility = vis
	return nil
}

// fakeBlob is an in-memory Blob.
type fakeBlob struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{data: map[string][]byte{}} }

func (b *fakeBlob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.data[key] = cp
	return nil
}

func (b *fakeBlob) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, errs.NewNotFound("file: blob not found")
	}
	return append([]byte(nil), d...), nil
}

func (b *fakeBlob) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok, nil
}

func (b *fakeBlob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

// fakeSchedStore is an in-memory scheduler.Store, just enough to drive
// Scheduler.Start/Schedule in these tests without a real database.
type fakeSchedStore struct {
	mu    sync.Mutex
	tasks map[string]*scheduler.Task
}

func newFakeSchedStore() *fakeSchedStore {
	return &fakeSchedStore{tasks: map[string]*scheduler.Task{}}
}

func (s *fakeSchedStore) Add(ctx context.Context, t *scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *fakeSchedStore) Get(ctx context.Context, taskID string) (*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, errs.NewNotFound("task not found")
	}
	cp := *t
	return &cp, nil
}

func (s *fakeSchedStore) FindPendingByKey(ctx context.Context, kind, key string) (*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		return nil, errs.NewNotFound("no key")
	}
	for _, t := range s.tasks {
		if t.Kind == kind && t.Key == key && t.Status == scheduler.StatusPending {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errs.NewNotFound("no pending task")
}

func (s *fakeSchedStore) Update(ctx context.Context, t *scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *fakeSchedStore) ListPending(ctx context.Context) ([]*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduler.Task
	for _, t := range s.tasks {
		if t.Status == scheduler.StatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestCore(t *testing.T) (*Core, *fakeFileStore, *fakeBlob, func()) {
	t.Helper()
	fs := newFakeFileStore()
	blob := newFakeBlob()
	c := clock.NewFixed(1_700_000_000)
	registry := scheduler.NewRegistry()
	sched := scheduler.New(newFakeSchedStore(), registry, c)
	core := New(fs, blob, sched, c)
	core.RegisterRunners(registry)
	registry.Freeze()

	stop, err := sched.Start(context.Background())
	require.NoError(t, err)
	return core, fs, blob, stop
}

func TestCreateFileGeneratesOriginalVariant(t *testing.T) {
	core, fs, _, stop := newTestCore(t)
	defer stop()
	ctx := context.Background()

	placeholder, err := core.CreateFile(ctx, 1, "alice.example.net", abac.Public, ClassVisual, "image/png", []byte("fake-png-bytes"), 0)
	require.NoError(t, err)
	require.True(t, isPlaceholder(placeholder))

	var fileID string
	require.Eventually(t, func() bool {
		resolved, err := core.ResolveFileID(ctx, 1, placeholder)
		if err != nil {
			return false
		}
		fileID = resolved
		return true
	}, 2*time.Second, 10*time.Millisecond)

	v, err := core.SelectVariant(ctx, 1, fileID, "orig")
	require.NoError(t, err)
	require.Equal(t, QualityOriginal, v.Quality)
	require.True(t, v.Available)

	data, format, err := core.GetVariantBlob(ctx, 1, v.VariantID)
	require.NoError(t, err)
	require.Equal(t, "image/png", format)
	require.Equal(t, []byte("fake-png-bytes"), data)

	_ = fs
}

func TestCreateFileRejectsOversizedUpload(t *testing.T) {
	core, _, _, stop := newTestCore(t)
	defer stop()

	_, err := core.CreateFile(context.Background(), 1, "alice.example.net", abac.Public, ClassVisual, "image/png", make([]byte, 2*1024*1024), 1)
	require.Error(t, err)
	require.Equal(t, errs.ValidationError, errs.As(err))
}

func TestAddVariantExtendsFinalizedFile(t *testing.T) {
	core, _, _, stop := newTestCore(t)
	defer stop()
	ctx := context.Background()

	placeholder, err := core.CreateFile(ctx, 1, "alice.example.net", abac.Public, ClassVisual, "image/png", []byte("original-bytes"), 0)
	require.NoError(t, err)

	var fileID string
	require.Eventually(t, func() bool {
		resolved, err := core.ResolveFileID(ctx, 1, placeholder)
		if err != nil {
			return false
		}
		fileID = resolved
		return true
	}, 2*time.Second, 10*time.Millisecond)

	err = core.AddVariant(ctx, 1, fileID, ClassVisual, QualityThumbnail, "image/png", []byte("thumb-bytes"))
	require.NoError(t, err)

	v, err := core.SelectVariant(ctx, 1, fileID, "vis.tn")
	require.NoError(t, err)
	require.Equal(t, QualityThumbnail, v.Quality)
}

func TestResolveFileIDPassesThroughNonPlaceholder(t *testing.T) {
	core, _, _, stop := newTestCore(t)
	defer stop()

	resolved, err := core.ResolveFileID(context.Background(), 1, "f_already_resolved")
	require.NoError(t, err)
	require.Equal(t, "f_already_resolved", resolved)
}

func TestUpgradeVisibilityNeverTightens(t *testing.T) {
	core, fs, _, stop := newTestCore(t)
	defer stop()
	ctx := context.Background()

	placeholder, err := core.CreateFile(ctx, 1, "alice.example.net", abac.Connected, ClassVisual, "image/png", []byte("bytes"), 0)
	require.NoError(t, err)

	var fileID string
	require.Eventually(t, func() bool {
		resolved, err := core.ResolveFileID(ctx, 1, placeholder)
		if err != nil {
			return false
		}
		fileID = resolved
		return true
	}, 2*time.Second, 10*time.Millisecond)

	err = core.UpgradeVisibility(ctx, 1, fileID, abac.Public)
	require.NoError(t, err)

	f, err := fs.GetFileByFileID(ctx, 1, fileID)
	require.NoError(t, err)
	require.Equal(t, abac.Upgrade(abac.Connected, abac.Public), f.Visibility)

	err = core.UpgradeVisibility(ctx, 1, fileID, abac.Connected)
	require.NoError(t, err)

	f, err = fs.GetFileByFileID(ctx, 1, fileID)
	require.NoError(t, err)
	require.Equal(t, abac.Public, f.Visibility, "a stricter action visibility must not tighten the file")
}
