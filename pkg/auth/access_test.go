package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccessMap = `
users:
  an@opgroeien.be:
    account: an
    projects:
      opgroeien:
        poc: [chat, report]
  beperkt@opgroeien.be:
    account: beperkt
    projects:
      opgroeien:
        poc: [chat]
domains:
  opgroeien.be:
    account: medewerker
    projects:
      opgroeien:
        poc: ["*"]
  extern.be:
    account: extern
    projects:
      opgroeien:
        demo: [chat]
`

func parse(t *testing.T) *AccessMap {
	t.Helper()
	m, err := ParseAccessMap([]byte(testAccessMap))
	require.NoError(t, err)
	return m
}

func TestUserGrant(t *testing.T) {
	m := parse(t)

	grant, err := m.Authorize("an@opgroeien.be", "opgroeien", "poc", "report")
	require.NoError(t, err)
	assert.Equal(t, "an", grant.Account)
}

func TestUserEntryWinsOverDomain(t *testing.T) {
	m := parse(t)

	// The domain entry allows every flow, but the individual entry for
	// this user only allows chat.
	_, err := m.Authorize("beperkt@opgroeien.be", "opgroeien", "poc", "report")
	assert.ErrorIs(t, err, ErrDenied)

	grant, err := m.Authorize("beperkt@opgroeien.be", "opgroeien", "poc", "chat")
	require.NoError(t, err)
	assert.Equal(t, "beperkt", grant.Account)
}

func TestDomainFallbackWithWildcard(t *testing.T) {
	m := parse(t)

	grant, err := m.Authorize("collega@opgroeien.be", "opgroeien", "poc", "report")
	require.NoError(t, err)
	assert.Equal(t, "medewerker", grant.Account)
}

func TestUnknownPrincipal(t *testing.T) {
	m := parse(t)
	_, err := m.Authorize("niemand@elders.be", "opgroeien", "poc", "chat")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestWrongOrgOrProject(t *testing.T) {
	m := parse(t)

	_, err := m.Authorize("iemand@extern.be", "opgroeien", "poc", "chat")
	assert.ErrorIs(t, err, ErrDenied)

	_, err = m.Authorize("iemand@extern.be", "opgroeien", "demo", "chat")
	assert.NoError(t, err)
}

func TestEmailNormalization(t *testing.T) {
	m := parse(t)
	_, err := m.Authorize("  An@Opgroeien.BE ", "opgroeien", "poc", "chat")
	assert.NoError(t, err)
}
