package idp

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// Store is the IDP subcomponent's persistence contract.
type Store interface {
	CreateIdentity(ctx context.Context, i *Identity) error
	ReadIdentity(ctx context.Context, tnID int64, prefix, domain string) (*Identity, error)
	ReadIdentityByEmail(ctx context.Context, tnID int64, email string) (*Identity, error)
	UpdateIdentity(ctx context.Context, tnID int64, prefix, domain string, opts UpdateOptions, now clock.Timestamp) (*Identity, error)
	DeleteIdentity(ctx context.Context, tnID int64, prefix, domain string) error
	ListIdentities(ctx context.Context, tnID int64, opts ListOptions) ([]Identity, error)
	ListIdentitiesByRegistrar(ctx context.Context, tnID int64, registrarTag string, limit, offset int) ([]Identity, error)
	// CleanupExpiredIdentities suspends every Active identity whose
	// ExpiresAt has passed, returning how many were changed.
	CleanupExpiredIdentities(ctx context.Context, tnID int64, now clock.Timestamp) (int, error)

	GetQuota(ctx context.Context, tnID int64, registrarTag string) (*RegistrarQuota, error)
	SetQuotaLimits(ctx context.Context, tnID int64, registrarTag string, maxIdentities int, maxStorageBytes int64, now clock.Timestamp) (*RegistrarQuota, error)
	AdjustQuota(ctx context.Context, tnID int64, registrarTag string, identityDelta int, storageDelta int64, now clock.Timestamp) (*RegistrarQuota, error)

	CreateAPIKey(ctx context.Context, k *APIKey) error
	FindAPIKeyByPrefix(ctx context.Context, keyPrefix string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id int64, now clock.Timestamp) error
	ListAPIKeys(ctx context.Context, tnID int64, prefix, domain string, limit, offset int) ([]APIKey, error)
	DeleteAPIKey(ctx context.Context, id int64) error
	DeleteAPIKeyForIdentity(ctx context.Context, id int64, prefix, domain string) (bool, error)
	CleanupExpiredAPIKeys(ctx context.Context, now clock.Timestamp) (int, error)
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
	if err := db.AutoMigrate(&Identity{}, &RegistrarQuota{}, &APIKey{}); err != nil {
		return nil, errs.NewDb(err)
	}
	return &PostgresStore{db: db, clock: c}, nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, i *Identity) error {
	now := s.clock.Now()
	i.CreatedAt, i.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(i).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) ReadIdentity(ctx context.Context, tnID int64, prefix, domain string) (*Identity, error) {
	var i Identity
	err := s.db.WithContext(ctx).
		Where("tn_id = ? AND id_tag_prefix = ? AND id_tag_domain = ?", tnID, prefix, domain).
		First(&i).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.NewNotFound("idp: identity not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &i, nil
}

func (s *PostgresStore) ReadIdentityByEmail(ctx context.Context, tnID int64, email string) (*Identity, error) {
	var i Identity
	err := s.db.WithContext(ctx).Where("tn_id = ? AND email = ?", tnID, email).First(&i).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.NewNotFound("idp: identity not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &i, nil
}

func (s *PostgresStore) UpdateIdentity(ctx context.Context, tnID int64, prefix, domain string, opts UpdateOptions, now clock.Timestamp) (*Identity, error) {
	set := map[string]any{"updated_at": now}
	if opts.Email != nil {
		set["email"] = *opts.Email
	}
	if opts.OwnerTag != nil {
		set["owner_tag"] = *opts.OwnerTag
	}
	if opts.Address != nil {
		set["address"] = *opts.Address
		set["address_type"] = string(ParseAddressType(*opts.Address))
		set["address_updated"] = now
	}
	if opts.Dyndns != nil {
		set["dyndns"] = *opts.Dyndns
	}
	if opts.Lang != nil {
		set["lang"] = *opts.Lang
	}
	if opts.Status != nil {
		set["status"] = string(*opts.Status)
	}
	if opts.ExpiresAt != nil {
		set["expires_at"] = *opts.ExpiresAt
	}

	res := s.db.WithContext(ctx).Model(&Identity{}).
		Where("tn_id = ? AND id_tag_prefix = ? AND id_tag_domain = ?", tnID, prefix, domain).
		Updates(set)
	if res.Error != nil {
		return nil, errs.NewDb(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.NewNotFound("idp: identity not found")
	}
	return s.ReadIdentity(ctx, tnID, prefix, domain)
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, tnID int64, prefix, domain string) error {
	res := s.db.WithContext(ctx).
		Where("tn_id = ? AND id_tag_prefix = ? AND id_tag_domain = ?", tnID, prefix, domain).
		Delete(&Identity{})
	if res.Error != nil {
		return errs.NewDb(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NewNotFound("idp: identity not found")
	}
	return nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, tnID int64, opts ListOptions) ([]Identity, error) {
	q := s.db.WithContext(ctx).Where("tn_id = ? AND id_tag_domain = ?", tnID, opts.IDTagDomain)
	if opts.Email != "" {
		q = q.Where("email LIKE ?", "%"+strings.ReplaceAll(opts.Email, "%", "")+"%")
	}
	if opts.RegistrarTag != "" {
		q = q.Where("registrar_tag = ?", opts.RegistrarTag)
	}
	if opts.OwnerTag != "" {
		q = q.Where("owner_tag = ?", opts.OwnerTag)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var rows []Identity
	if err := q.Order("id_tag_prefix").Find(&rows).Error; err != nil {
		return nil, errs.NewDb(err)
	}
	return rows, nil
}

func (s *PostgresStore) ListIdentitiesByRegistrar(ctx context.Context, tnID int64, registrarTag string, limit, offset int) ([]Identity, error) {
	q := s.db.WithContext(ctx).Where("tn_id = ? AND registrar_tag = ?", tnID, registrarTag)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []Identity
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, errs.NewDb(err)
	}
	return rows, nil
}

func (s *PostgresStore) CleanupExpiredIdentities(ctx context.Context, tnID int64, now clock.Timestamp) (int, error) {
	res := s.db.WithContext(ctx).Model(&Identity{}).
		Where("tn_id = ? AND status = ? AND expires_at > 0 AND expires_at < ?", tnID, string(StatusActive), now).
		Update("status", string(StatusSuspended))
	if res.Error != nil {
		return 0, errs.NewDb(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *PostgresStore) GetQuota(ctx context.Context, tnID int64, registrarTag string) (*RegistrarQuota, error) {
	var q RegistrarQuota
	err := s.db.WithContext(ctx).Where("tn_id = ? AND registrar_tag = ?", tnID, registrarTag).First(&q).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.NewNotFound("idp: no quota row for registrar")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &q, nil
}

func (s *PostgresStore) SetQuotaLimits(ctx context.Context, tnID int64, registrarTag string, maxIdentities int, maxStorageBytes int64, now clock.Timestamp) (*RegistrarQuota, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur RegistrarQuota
		err := tx.Where("tn_id = ? AND registrar_tag = ?", tnID, registrarTag).First(&cur).Error
		if err == gorm.ErrRecordNotFound {
			cur = RegistrarQuota{TnID: tnID, RegistrarTag: registrarTag, MaxIdentities: maxIdentities, MaxStorageBytes: maxStorageBytes, UpdatedAt: now}
			if err := tx.Create(&cur).Error; err != nil {
				return errs.NewDb(err)
			}
			return nil
		}
		if err != nil {
			return errs.NewDb(err)
		}
		cur.MaxIdentities, cur.MaxStorageBytes, cur.UpdatedAt = maxIdentities, maxStorageBytes, now
		if err := tx.Save(&cur).Error; err != nil {
			return errs.NewDb(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetQuota(ctx, tnID, registrarTag)
}

// AdjustQuota atomically bumps the usage counters, creating a zero-limit
// quota row on first use (a registrar with no explicit quota set is
// unbounded until SetQuotaLimits is called, matching the Rust adapter's
// "quota doesn't exist" error only firing on an explicit get/set, not on
// first increment).
func (s *PostgresStore) AdjustQuota(ctx context.Context, tnID int64, registrarTag string, identityDelta int, storageDelta int64, now clock.Timestamp) (*RegistrarQuota, error) {
	var q *RegistrarQuota
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur RegistrarQuota
		err := tx.Where("tn_id = ? AND registrar_tag = ?", tnID, registrarTag).First(&cur).Error
		if err == gorm.ErrRecordNotFound {
			cur = RegistrarQuota{TnID: tnID, RegistrarTag: registrarTag, UpdatedAt: now}
			if err := tx.Create(&cur).Error; err != nil {
				return errs.NewDb(err)
			}
		} else if err != nil {
			return errs.NewDb(err)
		}
		cur.CurIdentities += identityDelta
		cur.CurStorageBytes += storageDelta
		cur.UpdatedAt = now
		if err := tx.Save(&cur).Error; err != nil {
			return errs.NewDb(err)
		}
		q = &cur
		return nil
	})
	return q, err
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	k.CreatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) FindAPIKeyByPrefix(ctx context.Context, keyPrefix string) (*APIKey, error) {
	var k APIKey
	err := s.db.WithContext(ctx).Where("key_prefix = ?", keyPrefix).First(&k).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.NewNotFound("idp: api key not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &k, nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id int64, now clock.Timestamp) error {
	if err := s.db.WithContext(ctx).Model(&APIKey{}).Where("id = ?", id).Update("last_used_at", now).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tnID int64, prefix, domain string, limit, offset int) ([]APIKey, error) {
	q := s.db.WithContext(ctx).Where("tn_id = ?", tnID)
	if prefix != "" {
		q = q.Where("id_tag_prefix = ?", prefix)
	}
	if domain != "" {
		q = q.Where("id_tag_domain = ?", domain)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []APIKey
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, errs.NewDb(err)
	}
	return rows, nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&APIKey{}, id).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKeyForIdentity(ctx context.Context, id int64, prefix, domain string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND id_tag_prefix = ? AND id_tag_domain = ?", id, prefix, domain).Delete(&APIKey{})
	if res.Error != nil {
		return false, errs.NewDb(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) CleanupExpiredAPIKeys(ctx context.Context, now clock.Timestamp) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at > 0 AND expires_at < ?", now).Delete(&APIKey{})
	if res.Error != nil {
		return 0, errs.NewDb(res.Error)
	}
	return int(res.RowsAffected), nil
}
