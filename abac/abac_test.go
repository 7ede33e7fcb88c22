package abac

import "testing"

import "github.com/stretchr/testify/assert"

func TestCanView(t *testing.T) {
	cases := []struct {
		name       string
		level      AccessLevel
		vis        Visibility
		inAudience bool
		want       bool
	}{
		{"public resource visible to public", AccessPublic, Public, false, true},
		{"follower-only hidden from public", AccessPublic, Follower, false, false},
		{"follower sees follower-only", AccessFollower, Follower, false, true},
		{"connected sees connected-only", AccessConnected, Connected, false, true},
		{"owner sees direct", Owner, Direct, false, true},
		{"non-audience public denied direct", AccessPublic, Direct, false, false},
		{"non-audience allowed via explicit audience", AccessPublic, Direct, true, true},
		{"verified sees verified", AccessVerified, Verified, false, true},
		{"public denied verified", AccessPublic, Verified, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, CanView(c.level, c.vis, c.inAudience))
		})
	}
}

func TestSubjectAccessLevel(t *testing.T) {
	assert.Equal(t, Owner, SubjectAccessLevel(Relationship{IsOwner: true}))
	assert.Equal(t, AccessConnected, SubjectAccessLevel(Relationship{Connected: true}))
	assert.Equal(t, AccessFollower, SubjectAccessLevel(Relationship{Following: true}))
	assert.Equal(t, AccessVerified, SubjectAccessLevel(Relationship{Authenticated: true}))
	assert.Equal(t, AccessPublic, SubjectAccessLevel(Relationship{}))
}

func TestVisibilityUpgradeNeverTightens(t *testing.T) {
	assert.Equal(t, Public, Upgrade(Public, Direct))
	assert.Equal(t, Follower, Upgrade(Connected, Follower))
	assert.Equal(t, Connected, Upgrade(Connected, Direct))
}

func TestPolicyComposition(t *testing.T) {
	deny := func(Request) Decision { return Deny }
	allow := func(Request) Decision { return Allow }

	assert.False(t, Evaluate(Request{Op: OpRead, Level: Owner, Visibility: Public}, []Policy{deny}, nil))
	assert.True(t, Evaluate(Request{Op: OpRead, Level: None, Visibility: Direct}, nil, []Policy{allow}))
	assert.True(t, Evaluate(Request{Op: OpRead, Level: AccessPublic, Visibility: Public}, nil, nil))
	assert.False(t, Evaluate(Request{Op: OpRead, Level: AccessPublic, Visibility: Connected}, nil, nil))
}

func TestCreateQuota(t *testing.T) {
	atLimit := Request{Op: OpCreate, Quota: func() (int, int) { return 5, 5 }}
	underLimit := Request{Op: OpCreate, Quota: func() (int, int) { return 4, 5 }}
	assert.False(t, Evaluate(atLimit, nil, nil))
	assert.True(t, Evaluate(underLimit, nil, nil))
}
