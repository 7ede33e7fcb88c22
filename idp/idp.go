package idp

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idgen"
	"github.com/cloudillo/cloudillo/log"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/security"
	"github.com/cloudillo/cloudillo/tenant"
)

// reservedPrefix is never allowed as an identity prefix (handler.rs "prefix
// 'cl-o' is reserved").
const reservedPrefix = "cl-o"

const taskKindRenewalCheck = "idp.renewal_check"

// Service is the Identity Provider subcomponent (§4.13, C13): it gates every
// operation on the owning tenant's `idp.enabled` setting, enforces
// per-registrar quotas from `idp.list`, and derives new identities'
// expiry from `idp.renewal_interval`.
type Service struct {
	Store   Store
	Tenants tenant.Store
	Sched   *scheduler.Scheduler
	Clock   clock.Clock
	log     *logrus.Entry
}

func New(st Store, tenants tenant.Store, sched *scheduler.Scheduler, c clock.Clock) *Service {
	if c == nil {
		c = clock.System{}
	}
	return &Service{Store: st, Tenants: tenants, Sched: sched, Clock: c, log: log.For("idp")}
}

// RegisterRunners binds the recheck task. Call before registry.Freeze().
func (s *Service) RegisterRunners(registry *scheduler.Registry) {
	registry.Register(taskKindRenewalCheck, s.runRenewalCheck)
}

// StartRenewalCheck schedules the recurring cron task that suspends lapsed
// identities; dyndns identities are governed by the same cron cadence but
// carry a much shorter address TTL (Identity.TTL), so a stale dyndns record
// is only ever 60s out of date regardless of how often this runs.
func (s *Service) StartRenewalCheck(ctx context.Context, tnID int64, cronExpr string) error {
	_, err := s.Sched.Schedule(ctx, taskKindRenewalCheck, tnID, scheduler.ScheduleOptions{
		Key:  "idp-renewal-" + strconv.FormatInt(tnID, 10),
		Cron: cronExpr,
	})
	return err
}

func (s *Service) runRenewalCheck(ctx context.Context, taskID string, input []byte) (string, error) {
	var tnID int64
	if err := jsonUnmarshalInt64(input, &tnID); err != nil {
		return "", err
	}
	n, err := s.Store.CleanupExpiredIdentities(ctx, tnID, s.Clock.Now())
	if err != nil {
		return "", err
	}
	if n > 0 {
		s.log.WithField("tn_id", tnID).WithField("count", n).Info("idp: suspended expired identities")
	}
	return "", nil
}

// Enabled reports whether the IDP subcomponent is turned on for tnID
// (`idp.enabled`, default false).
func (s *Service) Enabled(ctx context.Context, tnID int64) (bool, error) {
	v, found, err := s.Tenants.GetSetting(ctx, tnID, "idp.enabled")
	if err != nil {
		return false, err
	}
	return found && v.Bool(), nil
}

func (s *Service) requireEnabled(ctx context.Context, tnID int64) error {
	on, err := s.Enabled(ctx, tnID)
	if err != nil {
		return err
	}
	if !on {
		return errs.NewNotFound("idp: not enabled for this tenant")
	}
	return nil
}

// renewalIntervalSeconds reads `idp.renewal_interval` (days) and converts it
// to seconds, defaulting to 30 days if unset.
func (s *Service) renewalIntervalSeconds(ctx context.Context, tnID int64) (int64, error) {
	v, found, err := s.Tenants.GetSetting(ctx, tnID, "idp.renewal_interval")
	if err != nil {
		return 0, err
	}
	days := int64(30)
	if found {
		days = v.Int()
	}
	return days * 86400, nil
}

// quotaLimit reads `idp.list`, the per-registrar identity-count quota;
// unset or zero means unbounded.
func (s *Service) quotaLimit(ctx context.Context, tnID int64) (int, error) {
	v, found, err := s.Tenants.GetSetting(ctx, tnID, "idp.list")
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return int(v.Int()), nil
}

// splitIDTag splits "prefix.domain.tld" at the first dot, requiring domain
// to equal idpDomain (an identity only ever belongs to its IDP's own
// domain).
func splitIDTag(idTag, idpDomain string) (prefix, domain string, err error) {
	i := strings.IndexByte(idTag, '.')
	if i <= 0 {
		return "", "", errs.NewValidation("idp: id_tag must be prefix.domain")
	}
	prefix, domain = idTag[:i], idTag[i+1:]
	if domain == "" {
		return "", "", errs.NewValidation("idp: id_tag must be prefix.domain")
	}
	if domain != idpDomain {
		return "", "", errs.NewPermissionDenied("idp: id_tag domain does not match this IDP")
	}
	if prefix == reservedPrefix {
		return "", "", errs.NewValidation("idp: prefix '" + reservedPrefix + "' is reserved")
	}
	return prefix, domain, nil
}

// CreateIdentity implements §4.13's registration: it checks the registrar's
// quota, assigns an expiry from idp.renewal_interval, inserts the Identity
// row and bumps the registrar's quota usage.
func (s *Service) CreateIdentity(ctx context.Context, tnID int64, idpDomain string, opts CreateOptions) (*Identity, error) {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return nil, err
	}
	prefix, domain, err := splitIDTag(opts.IDTagPrefix+"."+opts.IDTagDomain, idpDomain)
	if err != nil {
		return nil, err
	}
	if opts.OwnerTag == "" && opts.Email == "" {
		return nil, errs.NewValidation("idp: email is required when no owner_tag is given")
	}

	limit, err := s.quotaLimit(ctx, tnID)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		quota, err := s.Store.GetQuota(ctx, tnID, opts.RegistrarTag)
		if err != nil && errs.As(err) != errs.NotFound {
			return nil, err
		}
		cur := 0
		if quota != nil {
			cur = quota.CurIdentities
		}
		if cur >= limit {
			return nil, errs.NewPermissionDenied("idp: registrar has reached its identity quota")
		}
	}

	now := s.Clock.Now()
	expires := opts.ExpiresAt
	if expires == 0 {
		secs, err := s.renewalIntervalSeconds(ctx, tnID)
		if err != nil {
			return nil, err
		}
		expires = now + clock.Timestamp(secs)
	}
	status := opts.Status
	if status == "" {
		status = StatusPending
	}

	identity := &Identity{
		TnID: tnID, IDTagPrefix: prefix, IDTagDomain: domain,
		Email: opts.Email, RegistrarTag: opts.RegistrarTag, OwnerTag: opts.OwnerTag,
		Address: opts.Address, Dyndns: opts.Dyndns, Lang: opts.Lang,
		Status: status, ExpiresAt: expires,
	}
	if opts.Address != "" {
		identity.AddressType = ParseAddressType(opts.Address)
		identity.AddressUpdated = now
	}
	if err := s.Store.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}
	if _, err := s.Store.AdjustQuota(ctx, tnID, opts.RegistrarTag, 1, 0, now); err != nil {
		return nil, err
	}
	return identity, nil
}

// CheckAvailability reports whether idTag is free to register under
// idpDomain.
func (s *Service) CheckAvailability(ctx context.Context, tnID int64, idpDomain, idTag string) (bool, error) {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return false, err
	}
	prefix, domain, err := splitIDTag(idTag, idpDomain)
	if err != nil {
		return false, err
	}
	_, err = s.Store.ReadIdentity(ctx, tnID, prefix, domain)
	if err != nil {
		if errs.As(err) == errs.NotFound {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *Service) ReadIdentity(ctx context.Context, tnID int64, idpDomain, idTag string) (*Identity, error) {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return nil, err
	}
	prefix, domain, err := splitIDTag(idTag, idpDomain)
	if err != nil {
		return nil, err
	}
	return s.Store.ReadIdentity(ctx, tnID, prefix, domain)
}

func (s *Service) ListIdentities(ctx context.Context, tnID int64, opts ListOptions) ([]Identity, error) {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return nil, err
	}
	return s.Store.ListIdentities(ctx, tnID, opts)
}

// UpdateIdentity applies opts after checking requesterTag may manage the
// identity (owner permanently, registrar only while Pending).
func (s *Service) UpdateIdentity(ctx context.Context, tnID int64, idpDomain, idTag, requesterTag string, opts UpdateOptions) (*Identity, error) {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return nil, err
	}
	prefix, domain, err := splitIDTag(idTag, idpDomain)
	if err != nil {
		return nil, err
	}
	existing, err := s.Store.ReadIdentity(ctx, tnID, prefix, domain)
	if err != nil {
		return nil, err
	}
	if !existing.CanManage(requesterTag) {
		return nil, errs.NewPermissionDenied("idp: not authorized to manage this identity")
	}
	return s.Store.UpdateIdentity(ctx, tnID, prefix, domain, opts, s.Clock.Now())
}

// UpdateAddress implements the address-only fast path (handler.rs
// update_identity_address): peerIP is used when addr is empty.
func (s *Service) UpdateAddress(ctx context.Context, tnID int64, idpDomain, idTag, requesterTag, addr, peerIP string) (*Identity, error) {
	if addr == "" || addr == "auto" {
		addr = peerIP
	}
	b := true
	return s.UpdateIdentity(ctx, tnID, idpDomain, idTag, requesterTag, UpdateOptions{Address: &addr, Dyndns: &b})
}

func (s *Service) DeleteIdentity(ctx context.Context, tnID int64, idpDomain, idTag, requesterTag string) error {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return err
	}
	prefix, domain, err := splitIDTag(idTag, idpDomain)
	if err != nil {
		return err
	}
	existing, err := s.Store.ReadIdentity(ctx, tnID, prefix, domain)
	if err != nil {
		return err
	}
	if !existing.CanManage(requesterTag) {
		return errs.NewPermissionDenied("idp: not authorized to manage this identity")
	}
	if err := s.Store.DeleteIdentity(ctx, tnID, prefix, domain); err != nil {
		return err
	}
	_, err = s.Store.AdjustQuota(ctx, tnID, existing.RegistrarTag, -1, 0, s.Clock.Now())
	return err
}

// Activate transitions a Pending identity to Active (§4.13's lifecycle).
// Once active, the registrar loses control; only OwnerTag (set to the
// identity's own id_tag if empty) may manage it from then on.
func (s *Service) Activate(ctx context.Context, tnID int64, idpDomain, idTag string) (*Identity, error) {
	if err := s.requireEnabled(ctx, tnID); err != nil {
		return nil, err
	}
	prefix, domain, err := splitIDTag(idTag, idpDomain)
	if err != nil {
		return nil, err
	}
	existing, err := s.Store.ReadIdentity(ctx, tnID, prefix, domain)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusPending {
		return nil, errs.NewValidation("idp: identity is not Pending")
	}
	active := StatusActive
	owner := existing.OwnerTag
	if owner == "" {
		owner = existing.IDTag()
	}
	return s.Store.UpdateIdentity(ctx, tnID, prefix, domain, UpdateOptions{Status: &active, OwnerTag: &owner}, s.Clock.Now())
}

// CreateAPIKey mints a new bearer credential scoped to one identity,
// returning the plaintext key exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, tnID int64, prefix, domain, name string) (plaintext string, key *APIKey, err error) {
	raw := idgen.RandomN(24)
	hash, err := security.HashPassword(raw)
	if err != nil {
		return "", nil, errs.NewInternal("idp: hash api key: " + err.Error())
	}
	k := &APIKey{
		TnID: tnID, IDTagPrefix: prefix, IDTagDomain: domain,
		KeyHash: hash, KeyPrefix: raw[:8], Name: name,
	}
	if err := s.Store.CreateAPIKey(ctx, k); err != nil {
		return "", nil, err
	}
	return raw, k, nil
}

// VerifyAPIKey returns the identity id_tag the key authenticates as, or
// errs.NotFound/errs.PermissionDenied on failure. As in handler.rs, the
// reserved prefix may never authenticate this way.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (string, error) {
	if len(key) < 8 {
		return "", errs.NewNotFound("idp: invalid api key")
	}
	row, err := s.Store.FindAPIKeyByPrefix(ctx, key[:8])
	if err != nil {
		return "", err
	}
	if row.IDTagPrefix == reservedPrefix {
		return "", errs.NewPermissionDenied("idp: reserved identity cannot authenticate via api key")
	}
	if err := security.VerifyPassword(row.KeyHash, key); err != nil {
		return "", errs.NewNotFound("idp: invalid api key")
	}
	now := s.Clock.Now()
	if row.ExpiresAt != 0 && row.ExpiresAt < now {
		return "", errs.NewNotFound("idp: api key expired")
	}
	if err := s.Store.TouchAPIKey(ctx, row.ID, now); err != nil {
		return "", err
	}
	return row.IDTagPrefix + "." + row.IDTagDomain, nil
}

func jsonUnmarshalInt64(data []byte, out *int64) error {
	n, err := strconv.ParseInt(strings.Trim(string(data), `"`), 10, 64)
	if err != nil {
		return errs.NewValidation("idp: malformed renewal task input")
	}
	*out = n
	return nil
}
