package tenant

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"errors"

	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idgen"
	"github.com/cloudillo/cloudillo/log"
)

var logger = log.For("tenant")

// PostgresStore is the gorm-backed Store, the persistence layer the teacher
// uses throughout db/postgres.go: a thin wrapper over *gorm.DB with
// AutoMigrate-managed tables.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore wraps an already-connected *gorm.DB and ensures the
// tenant tables exist.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&Tenant{}, &SigningKey{}, &Setting{}); err != nil {
		return nil, errs.NewDb(err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, idTag string) (int64, error) {
	t := &Tenant{IDTag: idTag}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return 0, errs.NewDb(err)
	}
	logger.WithField("id_tag", idTag).Info("tenant created")
	return t.TnID, nil
}

func (s *PostgresStore) ReadIDTag(ctx context.Context, tnID int64) (string, error) {
	var t Tenant
	err := s.db.WithContext(ctx).First(&t, "tn_id = ?", tnID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errs.NewNotFound("tenant not found")
	}
	if err != nil {
		return "", errs.NewDb(err)
	}
	return t.IDTag, nil
}

func (s *PostgresStore) FindByIDTag(ctx context.Context, idTag string) (int64, bool, error) {
	var t Tenant
	err := s.db.WithContext(ctx).First(&t, "id_tag = ?", idTag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.NewDb(err)
	}
	return t.TnID, true, nil
}

func (s *PostgresStore) EnsureSigningKey(ctx context.Context, tnID int64) error {
	var existing SigningKey
	err := s.db.WithContext(ctx).First(&existing, "tn_id = ?", tnID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NewDb(err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errs.NewInternal("generate signing key: " + err.Error())
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return errs.NewInternal("marshal signing key: " + err.Error())
	}

	key := &SigningKey{
		TnID:       tnID,
		KeyID:      idgen.Random(),
		PrivateKey: der,
		PublicKey:  pub,
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return errs.NewDb(err)
	}
	logger.WithField("tn_id", tnID).Info("signing key created")
	return nil
}

func (s *PostgresStore) loadKey(ctx context.Context, tnID int64) (*SigningKey, error) {
	var key SigningKey
	err := s.db.WithContext(ctx).First(&key, "tn_id = ?", tnID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// §4.2: fails with DbError so the caller can auto-create and retry.
		return nil, errs.NewDb(errors.New("no signing key for tenant"))
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &key, nil
}

func (s *PostgresStore) CreateActionToken(ctx context.Context, tnID int64, payload ActionPayload) ([]byte, error) {
	key, err := s.loadKey(ctx, tnID)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS8PrivateKey(key.PrivateKey)
	if err != nil {
		return nil, errs.NewInternal("parse signing key: " + err.Error())
	}
	edPriv, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, errs.NewInternal("signing key is not Ed25519")
	}
	return SignToken(key.KeyID, edPriv, payload)
}

func (s *PostgresStore) PublicKey(ctx context.Context, tnID int64) (string, []byte, error) {
	key, err := s.loadKey(ctx, tnID)
	if err != nil {
		return "", nil, err
	}
	return key.KeyID, key.PublicKey, nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, tnID int64, k string) (Value, bool, error) {
	var row Setting
	err := s.db.WithContext(ctx).First(&row, "tn_id = ? AND key = ?", tnID, k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, errs.NewDb(err)
	}
	switch row.Kind {
	case KindInt:
		return Value{Kind: KindInt, I: row.IVal}, true, nil
	case KindBool:
		return Value{Kind: KindBool, B: row.BVal}, true, nil
	default:
		return Value{Kind: KindString, S: row.SVal}, true, nil
	}
}

func (s *PostgresStore) SetSetting(ctx context.Context, tnID int64, k string, v Value) error {
	row := Setting{TnID: tnID, Key: k, Kind: v.Kind, SVal: v.S, IVal: v.I, BVal: v.B}
	err := s.db.WithContext(ctx).
		Where("tn_id = ? AND key = ?", tnID, k).
		Assign(row).
		FirstOrCreate(&row).Error
	if err != nil {
		return errs.NewDb(err)
	}
	return nil
}
