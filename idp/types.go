// Package idp implements the Identity Provider subcomponent of §4.13 (C13):
// per-tenant subdomain identity registration, gated behind the tenant
// setting `idp.enabled`. It manages the Pending -> Active -> Suspended
// lifecycle, optional dynamic-DNS-style address records, per-registrar
// quotas and API-key-gated sensitive updates.
package idp

import (
	"strings"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// Status is an identity's position in the registration lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusActive, StatusSuspended:
		return Status(s), nil
	default:
		return "", errs.NewValidation("idp: invalid identity status " + s)
	}
}

// AddressType discriminates the kind of address record bound to an
// identity (§4.13's "optional address records for dynamic-DNS-like
// behavior"). Resolving or publishing the record to an actual DNS zone is a
// collaborator's job (DNS/ACME provisioning is a Non-goal); this package
// only tracks what address a client last reported.
type AddressType string

const (
	AddressIPv4     AddressType = "ipv4"
	AddressIPv6     AddressType = "ipv6"
	AddressHostname AddressType = "hostname"
)

// ParseAddressType classifies addr by shape: dotted-quad, colon-separated,
// or anything else is a hostname.
func ParseAddressType(addr string) AddressType {
	if strings.Count(addr, ".") == 3 && !strings.Contains(addr, ":") {
		parts := strings.Split(addr, ".")
		allDigits := true
		for _, p := range parts {
			for _, r := range p {
				if r < '0' || r > '9' {
					allDigits = false
				}
			}
		}
		if allDigits {
			return AddressIPv4
		}
	}
	if strings.Contains(addr, ":") {
		return AddressIPv6
	}
	return AddressHostname
}

// TTL returns the address record's advertised TTL in seconds: a short TTL
// for identities opted into dynamic DNS, the usual TTL otherwise.
func (i Identity) TTL() int {
	if i.Dyndns {
		return 60
	}
	return 3600
}

// Identity is one registered subdomain identity (§4.13), keyed by the
// registrar tenant (TnID, the IDP instance) and the identity's own id_tag,
// split into IDTagPrefix/IDTagDomain since the domain half is always the
// registrar's own id_tag.
type Identity struct {
	TnID         int64  `gorm:"primaryKey;column:tn_id"`
	IDTagPrefix  string `gorm:"primaryKey;size:63;column:id_tag_prefix"`
	IDTagDomain  string `gorm:"primaryKey;size:255;column:id_tag_domain"`

	Email          string
	RegistrarTag   string `gorm:"size:255;not null;index"`
	OwnerTag       string // permanent controller once set; empty while registrar-controlled
	Address        string
	AddressType    AddressType
	AddressUpdated clock.Timestamp
	Dyndns         bool
	Lang           string

	Status    Status `gorm:"size:16;not null;index"`
	CreatedAt clock.Timestamp
	UpdatedAt clock.Timestamp
	ExpiresAt clock.Timestamp
}

func (Identity) TableName() string { return "idp_identities" }

// IDTag joins the split components back into the wire id_tag form.
func (i Identity) IDTag() string { return i.IDTagPrefix + "." + i.IDTagDomain }

// CanManage reports whether requesterTag may manage i: the owner always can;
// the registrar only while the identity is still Pending (§4.13, the
// handler.rs "Registrar loses access after activation" rule).
func (i Identity) CanManage(requesterTag string) bool {
	if i.OwnerTag != "" && i.OwnerTag == requesterTag {
		return true
	}
	return i.RegistrarTag == requesterTag && i.Status == StatusPending
}

// RegistrarQuota tracks how many identities and how much storage a
// registrar has minted under this IDP instance (§4.13 "enforces
// per-registrar quotas").
type RegistrarQuota struct {
	TnID         int64  `gorm:"primaryKey;column:tn_id"`
	RegistrarTag string `gorm:"primaryKey;size:255;column:registrar_tag"`

	MaxIdentities     int
	MaxStorageBytes   int64
	CurIdentities     int
	CurStorageBytes   int64
	UpdatedAt         clock.Timestamp
}

func (RegistrarQuota) TableName() string { return "idp_registrar_quotas" }

// APIKey gates a sensitive per-identity update (e.g. address refresh) behind
// a bearer credential scoped to one identity, rather than the tenant's own
// signing key (§4.13 "gates sensitive updates behind API keys").
type APIKey struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TnID        int64  `gorm:"not null;index"`
	IDTagPrefix string `gorm:"size:63;not null"`
	IDTagDomain string `gorm:"size:255;not null"`

	KeyHash   string `gorm:"size:255;not null"` // bcrypt hash
	KeyPrefix string `gorm:"size:16;not null;index"` // first chars, stored plain for fast lookup
	Name      string

	CreatedAt  clock.Timestamp
	LastUsedAt clock.Timestamp
	ExpiresAt  clock.Timestamp // zero means no expiry
}

func (APIKey) TableName() string { return "idp_api_keys" }

// CreateOptions is the input to Service.CreateIdentity.
type CreateOptions struct {
	IDTagPrefix  string
	IDTagDomain  string
	Email        string
	RegistrarTag string
	OwnerTag     string
	Status       Status
	Address      string
	Dyndns       bool
	Lang         string
	ExpiresAt    clock.Timestamp
}

// UpdateOptions is the input to Service.UpdateIdentity; nil pointers leave
// the field unchanged.
type UpdateOptions struct {
	Email     *string
	OwnerTag  *string
	Address   *string
	Dyndns    *bool
	Lang      *string
	Status    *Status
	ExpiresAt *clock.Timestamp
}

// ListOptions filters Service.ListIdentities; IDTagDomain is required (§4.13
// identities are always scoped to one IDP instance's domain).
type ListOptions struct {
	IDTagDomain  string
	Email        string
	RegistrarTag string
	OwnerTag     string
	Status       Status
	Limit        int
	Offset       int
}
