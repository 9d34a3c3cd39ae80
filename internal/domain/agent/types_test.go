package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoleRoundTrip(t *testing.T) {
	for _, role := range Roles() {
		parsed, err := ParseRole(role.String())
		require.NoError(t, err)
		assert.Equal(t, role, parsed)
	}
	parsed, err := ParseRole("  WATCHER ")
	require.NoError(t, err)
	assert.Equal(t, RoleWatcher, parsed)

	_, err = ParseRole("poet")
	assert.Error(t, err)
	assert.False(t, RoleUnknown.Valid())
	assert.Len(t, Roles(), 8)
}

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Role{"role": RoleCritic})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"critic"}`, string(data))

	var decoded struct{ Role Role }
	require.NoError(t, json.Unmarshal([]byte(`{"Role":"archivist"}`), &decoded))
	assert.Equal(t, RoleArchivist, decoded.Role)

	_, err = json.Marshal(RoleUnknown)
	assert.Error(t, err)
}
