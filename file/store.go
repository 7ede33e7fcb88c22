package file

import (
	"context"

	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// Store is the File/Variant registry's persistence contract, grounded on
// action/store.Store's shape: a surrogate key for in-flight rows plus a
// stable content-addressed id filled in once known.
type Store interface {
	// CreatePending inserts a File row with no FileID yet, returning its
	// surrogate FID for the "@fID" placeholder.
	CreatePending(ctx context.Context, tnID int64, ownerTag string, vis abac.Visibility) (fID int64, err error)
	// FinalizeFile sets FileID on a pending row and inserts its first
	// Variant (stamped with the current time) atomically (§5 "variants
	// extend the file atomically").
	FinalizeFile(ctx context.Context, tnID, fID int64, fileID string, first Variant) error
	// AddVariant inserts another variant row for an already-finalized file.
	AddVariant(ctx context.Context, tnID, fID int64, v Variant) error

	GetFile(ctx context.Context, tnID, fID int64) (*File, error)
	GetFileByFileID(ctx context.Context, tnID int64, fileID string) (*File, error)
	ListVariants(ctx context.Context, tnID, fID int64) ([]Variant, error)
	GetVariant(ctx context.Context, tnID int64, variantID string) (*Variant, error)

	// SetVisibility updates a file's stored visibility in place (§4.12's
	// upgrade rule is computed by the caller; this just persists the
	// result).
	SetVisibility(ctx context.Context, tnID, fID int64, vis abac.Visibility) error
}

// PostgresStore is the gorm-backed Store.
type PostgresStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewPostgresStore(db *gorm.DB, c clock.Clock) (*PostgresStore, error) {
	if c == nil {
		c = clock.System{}
	}
	if err := db.AutoMigrate(&File{}, &Variant{}); err != nil {
		return nil, errs.NewDb(err)
	}
	return &PostgresStore{db: db, clock: c}, nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, tnID int64, ownerTag string, vis abac.Visibility) (int64, error) {
	f := &File{TnID: tnID, OwnerTag: ownerTag, Visibility: vis, CreatedAt: s.clock.Now()}
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return 0, errs.NewDb(err)
	}
	return f.FID, nil
}

func (s *PostgresStore) FinalizeFile(ctx context.Context, tnID, fID int64, fileID string, first Variant) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&File{}).Where("tn_id = ? AND f_id = ?", tnID, fID).Update("file_id", fileID)
		if res.Error != nil {
			return errs.NewDb(res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NewNotFound("file: no pending file f_id")
		}
		first.TnID, first.FID = tnID, fID
		first.CreatedAt = s.clock.Now()
		if err := tx.Create(&first).Error; err != nil {
			return errs.NewDb(err)
		}
		return nil
	})
}

func (s *PostgresStore) AddVariant(ctx context.Context, tnID, fID int64, v Variant) error {
	v.TnID, v.FID = tnID, fID
	v.CreatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, tnID, fID int64) (*File, error) {
	var f File
	if err := s.db.WithContext(ctx).First(&f, "tn_id = ? AND f_id = ?", tnID, fID).Error; err != nil {
		return nil, errs.NewNotFound("file: not found")
	}
	return &f, nil
}

func (s *PostgresStore) GetFileByFileID(ctx context.Context, tnID int64, fileID string) (*File, error) {
	var f File
	if err := s.db.WithContext(ctx).First(&f, "tn_id = ? AND file_id = ?", tnID, fileID).Error; err != nil {
		return nil, errs.NewNotFound("file: not found")
	}
	return &f, nil
}

func (s *PostgresStore) ListVariants(ctx context.Context, tnID, fID int64) ([]Variant, error) {
	var vs []Variant
	if err := s.db.WithContext(ctx).Where("tn_id = ? AND f_id = ?", tnID, fID).Find(&vs).Error; err != nil {
		return nil, errs.NewDb(err)
	}
	return vs, nil
}

func (s *PostgresStore) GetVariant(ctx context.Context, tnID int64, variantID string) (*Variant, error) {
	var v Variant
	if err := s.db.WithContext(ctx).First(&v, "tn_id = ? AND variant_id = ?", tnID, variantID).Error; err != nil {
		return nil, errs.NewNotFound("file: variant not found")
	}
	return &v, nil
}

func (s *PostgresStore) SetVisibility(ctx context.Context, tnID, fID int64, vis abac.Visibility) error {
	res := s.db.WithContext(ctx).Model(&File{}).Where("tn_id = ? AND f_id = ?", tnID, fID).Update("visibility", vis)
	if res.Error != nil {
		return errs.NewDb(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NewNotFound("file: not found")
	}
	return nil
}
