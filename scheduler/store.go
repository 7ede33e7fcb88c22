package scheduler

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// Store is the durable half of the scheduler (§4.4's "task store
// (persistent)"). The in-memory Scheduler core is the only thing allowed to
// mutate queue membership; Store just records the facts needed to rebuild
// that membership on restart.
type Store interface {
	Add(ctx context.Context, t *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	// FindPendingByKey returns the existing Pending task for (kind, key), if
	// any — enforces §3 invariant (iii): at most one Pending task per
	// (kind, key).
	FindPendingByKey(ctx context.Context, kind, key string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	// ListPending returns every persisted Pending task, used by startup
	// recovery to rebuild the in-memory queues.
	ListPending(ctx context.Context) ([]*Task, error)
}

// PostgresStore is the gorm-backed Store.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, errs.NewDb(err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Add(ctx context.Context, t *Task) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = clock.System{}.Now()
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).First(&t, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFound("task not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &t, nil
}

func (s *PostgresStore) FindPendingByKey(ctx context.Context, kind, key string) (*Task, error) {
	if key == "" {
		return nil, nil
	}
	var t Task
	err := s.db.WithContext(ctx).
		First(&t, "kind = ? AND key = ? AND status = ?", kind, key, StatusPending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &t, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Task) error {
	if err := s.db.WithContext(ctx).Save(t).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	err := s.db.WithContext(ctx).Where("status = ?", StatusPending).Find(&tasks).Error
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return tasks, nil
}
