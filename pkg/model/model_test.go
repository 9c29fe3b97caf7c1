package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagResolveDynamic(t *testing.T) {
	tmpl := Flag{Value: "flag{[UUID]}", Type: FlagDynamic}

	a := tmpl.Resolve()
	b := tmpl.Resolve()

	assert.NotEqual(t, tmpl.Value, a.Value)
	assert.NotEqual(t, a.Value, b.Value, "two environments must get distinct flags")
	assert.Regexp(t, `^flag\{[0-9a-f-]{36}\}$`, a.Value)
}

func TestFlagResolveCaseInsensitiveToken(t *testing.T) {
	f := Flag{Value: "flag{[uuid]-[Uuid]}", Type: FlagDynamic}.Resolve()
	assert.NotContains(t, f.Value, "[uuid]")
	assert.NotContains(t, f.Value, "[Uuid]")
}

func TestFlagResolveStaticUntouched(t *testing.T) {
	f := Flag{Value: "flag{[UUID]}", Type: FlagStatic}.Resolve()
	assert.Equal(t, "flag{[UUID]}", f.Value)
}

func TestChallengeDesensitize(t *testing.T) {
	c := Challenge{
		ID:     "c1",
		Title:  "pwn me",
		Script: "function check() {}",
		Flags:  []Flag{{Value: "flag{secret}"}},
		Env: &ChallengeEnv{
			Image: "cds/pwn:1",
			Envs:  map[string]string{"SECRET": "x"},
			Ports: []int32{80},
		},
	}

	clean := c.Desensitize()

	assert.Empty(t, clean.Script)
	assert.Nil(t, clean.Flags)
	require.NotNil(t, clean.Env)
	assert.Nil(t, clean.Env.Envs)
	assert.Equal(t, []int32{80}, clean.Env.Ports)

	// the original record is untouched
	assert.NotEmpty(t, c.Script)
	require.NotNil(t, c.Env.Envs)
}

func TestSubmissionOperatorID(t *testing.T) {
	team := int64(42)
	game := int64(7)

	inGame := Submission{UserID: 1, TeamID: &team, GameID: &game}
	assert.True(t, inGame.InGame())
	assert.Equal(t, int64(42), inGame.OperatorID())

	playground := Submission{UserID: 1}
	assert.False(t, playground.InGame())
	assert.Equal(t, int64(1), playground.OperatorID())
}
