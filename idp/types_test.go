package idp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("active")
	require.NoError(t, err)
	require.Equal(t, StatusActive, st)

	_, err = ParseStatus("bogus")
	require.Error(t, err)
}

func TestParseAddressType(t *testing.T) {
	require.Equal(t, AddressIPv4, ParseAddressType("192.168.1.1"))
	require.Equal(t, AddressIPv6, ParseAddressType("fe80::1"))
	require.Equal(t, AddressHostname, ParseAddressType("home.example.net"))
	require.Equal(t, AddressHostname, ParseAddressType("999.999.999.999.1")) // too many octets, not a v4
}

func TestIdentityTTL(t *testing.T) {
	require.Equal(t, 60, Identity{Dyndns: true}.TTL())
	require.Equal(t, 3600, Identity{Dyndns: false}.TTL())
}

func TestIdentityIDTag(t *testing.T) {
	i := Identity{IDTagPrefix: "alice", IDTagDomain: "cloudillo.net"}
	require.Equal(t, "alice.cloudillo.net", i.IDTag())
}

func TestIdentityCanManage(t *testing.T) {
	pending := Identity{RegistrarTag: "reg.example.net", Status: StatusPending}
	require.True(t, pending.CanManage("reg.example.net"))
	require.False(t, pending.CanManage("someone-else.example.net"))

	active := Identity{RegistrarTag: "reg.example.net", Status: StatusActive, OwnerTag: "alice.cloudillo.net"}
	require.False(t, active.CanManage("reg.example.net"), "registrar loses access once the identity is no longer Pending")
	require.True(t, active.CanManage("alice.cloudillo.net"))
}
