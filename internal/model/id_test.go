package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	for _, typ := range []IDType{IDTypeDecision, IDTypeExecution} {
		t.Run(string(typ), func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			id, err := GenerateID(typ)
			require.NoError(t, err)
			assert.True(t, ValidateID(id), "id %q", id)

			gotType, created, err := ParseID(id)
			require.NoError(t, err)
			assert.Equal(t, typ, gotType)
			assert.False(t, created.Before(before.Truncate(time.Second)))
		})
	}
}

func TestGenerateID_UnknownType(t *testing.T) {
	_, err := GenerateID("int")
	assert.Error(t, err)
	assert.Panics(t, func() { MustGenerateID("int") })
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := MustGenerateID(IDTypeDecision)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"dec_1771722000_a3f2b7c1", true},
		{"wfx_1771722000_c3d4e5f6", true},
		{"int_1771722060_b7c1d4e9", false},
		{"dec_177172200_a3f2b7c1", false},
		{"dec_1771722000_A3F2B7C1", false},
		{"dec_1771722000_a3f2b7c10", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidateID(tt.id), "ValidateID(%q)", tt.id)
	}
}

func TestParseID(t *testing.T) {
	typ, created, err := ParseID("dec_1771722000_a3f2b7c1")
	require.NoError(t, err)
	assert.Equal(t, IDTypeDecision, typ)
	assert.Equal(t, int64(1771722000), created.Unix())

	_, _, err = ParseID("dec-1771722000")
	assert.Error(t, err)
}

func TestNewAgentID(t *testing.T) {
	a, b := NewAgentID(), NewAgentID()
	assert.True(t, strings.HasPrefix(a, "agent-"), a)
	assert.NotEqual(t, a, b)
	assert.NoError(t, ValidateAgentID(a))
}

func TestValidateAgentID(t *testing.T) {
	for _, id := range []string{"ops-agent", "agent_1.prod", "A1"} {
		assert.NoError(t, ValidateAgentID(id), id)
	}
	for _, id := range []string{"", "../escape", "a/b", "-leading", strings.Repeat("a", 129)} {
		assert.Error(t, ValidateAgentID(id), id)
	}
}
