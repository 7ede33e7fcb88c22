package idp

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/tenant"
)

// fakeStore is an in-memory Store for Service-level tests, standing in for
// PostgresStore the way the teacher's packages test business logic against
// hand-rolled fakes rather than a live database.
type fakeStore struct {
	identities map[string]*Identity
	quotas     map[string]*RegistrarQuota
	keys       map[string]*APIKey
	nextKeyID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: map[string]*Identity{},
		quotas:     map[string]*RegistrarQuota{},
		keys:       map[string]*APIKey{},
	}
}

func idKey(tnID int64, prefix, domain string) string {
	return fmt.Sprintf("%s@%s#%d", prefix, domain, tnID)
}

func (f *fakeStore) CreateIdentity(ctx context.Context, i *Identity) error {
	k := idKey(i.TnID, i.IDTagPrefix, i.IDTagDomain)
	if _, ok := f.identities[k]; ok {
		return errs.NewValidation("idp: identity already exists")
	}
	cp := *i
	f.identities[k] = &cp
	return nil
}

func (f *fakeStore) ReadIdentity(ctx context.Context, tnID int64, prefix, domain string) (*Identity, error) {
	i, ok := f.identities[idKey(tnID, prefix, domain)]
	if !ok {
		return nil, errs.NewNotFound("idp: identity not found")
	}
	cp := *i
	return &cp, nil
}

func (f *fakeStore) ReadIdentityByEmail(ctx context.Context, tnID int64, email string) (*Identity, error) {
	for _, i := range f.identities {
		if i.TnID == tnID && i.Email == email {
			cp := *i
			return &cp, nil
		}
	}
	return nil, errs.NewNotFound("idp: identity not found")
}

func (f *fakeStore) UpdateIdentity(ctx context.Context, tnID int64, prefix, domain string, opts UpdateOptions, now clock.Timestamp) (*Identity, error) {
	i, ok := f.identities[idKey(tnID, prefix, domain)]
	if !ok {
		return nil, errs.NewNotFound("idp: identity not found")
	}
	if opts.Email != nil {
		i.Email = *opts.Email
	}
	if opts.OwnerTag != nil {
		i.OwnerTag = *opts.OwnerTag
	}
	if opts.Address != nil {
		i.Address = *opts.Address
		i.AddressType = ParseAddressType(*opts.Address)
		i.AddressUpdated = now
	}
	if opts.Dyndns != nil {
		i.Dyndns = *opts.Dyndns
	}
	if opts.Lang != nil {
		i.Lang = *opts.Lang
	}
	if opts.Status != nil {
		i.Status = *opts.Status
	}
	if opts.ExpiresAt != nil {
		i.ExpiresAt = *opts.ExpiresAt
	}
	i.UpdatedAt = now
	cp := *i
	return &cp, nil
}

func (f *fakeStore) DeleteIdentity(ctx context.Context, tnID int64, prefix, domain string) error {
	k := idKey(tnID, prefix, domain)
	if _, ok := f.identities[k]; !ok {
		return errs.NewNotFound("idp: identity not found")
	}
	delete(f.identities, k)
	return nil
}

func (f *fakeStore) ListIdentities(ctx context.Context, tnID int64, opts ListOptions) ([]Identity, error) {
	var out []Identity
	for _, i := range f.identities {
		if i.TnID == tnID && i.IDTagDomain == opts.IDTagDomain {
			out = append(out, *i)
		}
	}
	return out, nil
}

func (f *fakeStore) ListIdentitiesByRegistrar(ctx context.Context, tnID int64, registrarTag string, limit, offset int) ([]Identity, error) {
	var out []Identity
	for _, i := range f.identities {
		if i.TnID == tnID && i.RegistrarTag == registrarTag {
			out = append(out, *i)
		}
	}
	return out, nil
}

func (f *fakeStore) CleanupExpiredIdentities(ctx context.Context, tnID int64, now clock.Timestamp) (int, error) {
	n := 0
	for _, i := range f.identities {
		if i.TnID == tnID && i.Status == StatusActive && i.ExpiresAt != 0 && i.ExpiresAt < now {
			i.Status = StatusSuspended
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetQuota(ctx context.Context, tnID int64, registrarTag string) (*RegistrarQuota, error) {
	q, ok := f.quotas[registrarTag]
	if !ok {
		return nil, errs.NewNotFound("idp: no quota row")
	}
	cp := *q
	return &cp, nil
}

func (f *fakeStore) SetQuotaLimits(ctx context.Context, tnID int64, registrarTag string, maxIdentities int, maxStorageBytes int64, now clock.Timestamp) (*RegistrarQuota, error) {
	q := &RegistrarQuota{TnID: tnID, RegistrarTag: registrarTag, MaxIdentities: maxIdentities, MaxStorageBytes: maxStorageBytes, UpdatedAt: now}
	if old, ok := f.quotas[registrarTag]; ok {
		q.CurIdentities, q.CurStorageBytes = old.CurIdentities, old.CurStorageBytes
	}
	f.quotas[registrarTag] = q
	cp := *q
	return &cp, nil
}

func (f *fakeStore) AdjustQuota(ctx context.Context, tnID int64, registrarTag string, identityDelta int, storageDelta int64, now clock.Timestamp) (*RegistrarQuota, error) {
	q, ok := f.quotas[registrarTag]
	if !ok {
		q = &RegistrarQuota{TnID: tnID, RegistrarTag: registrarTag}
		f.quotas[registrarTag] = q
	}
	q.CurIdentities += identityDelta
	q.CurStorageBytes += storageDelta
	q.UpdatedAt = now
	cp := *q
	return &cp, nil
}

func (f *fakeStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	f.nextKeyID++
	k.ID = f.nextKeyID
	cp := *k
	f.keys[k.KeyPrefix] = &cp
	return nil
}

func (f *fakeStore) FindAPIKeyByPrefix(ctx context.Context, keyPrefix string) (*APIKey, error) {
	k, ok := f.keys[keyPrefix]
	if !ok {
		return nil, errs.NewNotFound("idp: api key not found")
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) TouchAPIKey(ctx context.Context, id int64, now clock.Timestamp) error {
	for _, k := range f.keys {
		if k.ID == id {
			k.LastUsedAt = now
		}
	}
	return nil
}

func (f *fakeStore) ListAPIKeys(ctx context.Context, tnID int64, prefix, domain string, limit, offset int) ([]APIKey, error) {
	var out []APIKey
	for _, k := range f.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (f *fakeStore) DeleteAPIKey(ctx context.Context, id int64) error {
	for pfx, k := range f.keys {
		if k.ID == id {
			delete(f.keys, pfx)
		}
	}
	return nil
}

func (f *fakeStore) DeleteAPIKeyForIdentity(ctx context.Context, id int64, prefix, domain string) (bool, error) {
	for pfx, k := range f.keys {
		if k.ID == id && k.IDTagPrefix == prefix && k.IDTagDomain == domain {
			delete(f.keys, pfx)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CleanupExpiredAPIKeys(ctx context.Context, now clock.Timestamp) (int, error) {
	return 0, nil
}

// fakeTenants implements tenant.Store with an in-memory setting map.
type fakeTenants struct {
	settings map[string]tenant.Value
}

func newFakeTenants() *fakeTenants { return &fakeTenants{settings: map[string]tenant.Value{}} }

func (f *fakeTenants) CreateTenant(ctx context.Context, idTag string) (int64, error) { return 1, nil }
func (f *fakeTenants) ReadIDTag(ctx context.Context, tnID int64) (string, error)     { return "idp.example.net", nil }
func (f *fakeTenants) FindByIDTag(ctx context.Context, idTag string) (int64, bool, error) {
	return 1, true, nil
}
func (f *fakeTenants) CreateActionToken(ctx context.Context, tnID int64, payload tenant.ActionPayload) ([]byte, error) {
	return nil, nil
}
func (f *fakeTenants) EnsureSigningKey(ctx context.Context, tnID int64) error { return nil }
func (f *fakeTenants) PublicKey(ctx context.Context, tnID int64) (string, []byte, error) {
	return "", nil, nil
}
func (f *fakeTenants) GetSetting(ctx context.Context, tnID int64, key string) (tenant.Value, bool, error) {
	v, ok := f.settings[key]
	return v, ok, nil
}
func (f *fakeTenants) SetSetting(ctx context.Context, tnID int64, key string, v tenant.Value) error {
	f.settings[key] = v
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeTenants) {
	t.Helper()
	st := newFakeStore()
	tn := newFakeTenants()
	tn.settings["idp.enabled"] = tenant.Value{Kind: tenant.KindBool, B: true}
	svc := New(st, tn, nil, clock.NewFixed(1_700_000_000))
	return svc, st, tn
}

func TestCreateIdentityRequiresEnabled(t *testing.T) {
	svc, _, tn := newTestService(t)
	delete(tn.settings, "idp.enabled")

	_, err := svc.CreateIdentity(context.Background(), 1, "idp.example.net", CreateOptions{
		IDTagPrefix: "alice", IDTagDomain: "idp.example.net", Email: "a@example.net", RegistrarTag: "idp.example.net",
	})
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.As(err))
}

func TestCreateIdentityRejectsReservedPrefix(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateIdentity(context.Background(), 1, "idp.example.net", CreateOptions{
		IDTagPrefix: reservedPrefix, IDTagDomain: "idp.example.net", Email: "a@example.net", RegistrarTag: "idp.example.net",
	})
	require.Error(t, err)
}

func TestCreateIdentityEnforcesRegistrarQuota(t *testing.T) {
	svc, st, tn := newTestService(t)
	tn.settings["idp.list"] = tenant.Value{Kind: tenant.KindInt, I: 1}
	st.quotas["reg.example.net"] = &RegistrarQuota{TnID: 1, RegistrarTag: "reg.example.net", CurIdentities: 1}

	_, err := svc.CreateIdentity(context.Background(), 1, "idp.example.net", CreateOptions{
		IDTagPrefix: "bob", IDTagDomain: "idp.example.net", Email: "b@example.net", RegistrarTag: "reg.example.net",
	})
	require.Error(t, err)
	require.Equal(t, errs.PermissionDenied, errs.As(err))
}

func TestCreateIdentityDefaultsExpiryFromRenewalInterval(t *testing.T) {
	svc, _, tn := newTestService(t)
	tn.settings["idp.renewal_interval"] = tenant.Value{Kind: tenant.KindInt, I: 10}

	id, err := svc.CreateIdentity(context.Background(), 1, "idp.example.net", CreateOptions{
		IDTagPrefix: "alice", IDTagDomain: "idp.example.net", Email: "a@example.net", RegistrarTag: "idp.example.net",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, id.Status)
	require.Equal(t, clock.Timestamp(1_700_000_000+10*86400), id.ExpiresAt)
}

func TestCheckAvailability(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	avail, err := svc.CheckAvailability(ctx, 1, "idp.example.net", "alice.idp.example.net")
	require.NoError(t, err)
	require.True(t, avail)

	_, err = svc.CreateIdentity(ctx, 1, "idp.example.net", CreateOptions{
		IDTagPrefix: "alice", IDTagDomain: "idp.example.net", Email: "a@example.net", RegistrarTag: "idp.example.net",
	})
	require.NoError(t, err)

	avail, err = svc.CheckAvailability(ctx, 1, "idp.example.net", "alice.idp.example.net")
	require.NoError(t, err)
	require.False(t, avail)
}

func TestActivateTransfersControlFromRegistrarToOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateIdentity(ctx, 1, "idp.example.net", CreateOptions{
		IDTagPrefix: "alice", IDTagDomain: "idp.example.net", Email: "a@example.net", RegistrarTag: "idp.example.net",
	})
	require.NoError(t, err)

	active, err := svc.Activate(ctx, 1, "idp.example.net", "alice.idp.example.net")
	require.NoError(t, err)
	require.Equal(t, StatusActive, active.Status)
	require.Equal(t, "alice.idp.example.net", active.OwnerTag)

	// Registrar can no longer manage it; only the owner can.
	_, err = svc.UpdateIdentity(ctx, 1, "idp.example.net", "alice.idp.example.net", "idp.example.net", UpdateOptions{})
	require.Error(t, err)
	require.Equal(t, errs.PermissionDenied, errs.As(err))

	_, err = svc.UpdateIdentity(ctx, 1, "idp.example.net", "alice.idp.example.net", "alice.idp.example.net", UpdateOptions{})
	require.NoError(t, err)
}

func TestUpdateAddressFallsBackToPeerIP(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateIdentity(ctx, 1, "idp.example.net", CreateOptions{
		IDTagPrefix: "alice", IDTagDomain: "idp.example.net", OwnerTag: "alice.idp.example.net",
	})
	require.NoError(t, err)

	updated, err := svc.UpdateAddress(ctx, 1, "idp.example.net", "alice.idp.example.net", "alice.idp.example.net", "", "203.0.113.7")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", updated.Address)
	require.True(t, updated.Dyndns)
}

func TestCreateAndVerifyAPIKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	plaintext, key, err := svc.CreateAPIKey(ctx, 1, "alice", "idp.example.net", "primary")
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	require.NotEmpty(t, key.KeyHash)

	idTag, err := svc.VerifyAPIKey(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, "alice.idp.example.net", idTag)

	_, err = svc.VerifyAPIKey(ctx, "wrong-key-00000000000000")
	require.Error(t, err)
}

func TestVerifyAPIKeyRejectsReservedPrefix(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	plaintext, _, err := svc.CreateAPIKey(ctx, 1, reservedPrefix, "idp.example.net", "forbidden")
	require.NoError(t, err)
	_ = st

	_, err = svc.VerifyAPIKey(ctx, plaintext)
	require.Error(t, err)
	require.Equal(t, errs.PermissionDenied, errs.As(err))
}

func TestRenewalCheckSuspendsExpiredIdentities(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	st.identities[idKey(1, "alice", "idp.example.net")] = &Identity{
		TnID: 1, IDTagPrefix: "alice", IDTagDomain: "idp.example.net",
		Status: StatusActive, ExpiresAt: 1_600_000_000,
	}

	_, err := svc.runRenewalCheck(ctx, "renewal-1", []byte("1"))
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, st.identities[idKey(1, "alice", "idp.example.net")].Status)

	n, err := st.CleanupExpiredIdentities(ctx, 1, svc.Clock.Now())
	require.NoError(t, err)
	require.Equal(t, 0, n, "the renewal check already suspended the only expired identity")
}
