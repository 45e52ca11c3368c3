package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceIdValid(t *testing.T) {
	for _, id := range []ServiceId{"mc1", "my-server", "a.b_c-d", "UPPER", "123"} {
		assert.True(t, id.Valid(), "expected %q to be valid", id)
	}
	for _, id := range []ServiceId{"", "has space", "slash/inside", "semi;colon", "ünïcode"} {
		assert.False(t, id.Valid(), "expected %q to be invalid", id)
	}
}

func TestShutdownCommandDefaultsToStop(t *testing.T) {
	m := &Manifest{}
	assert.Equal(t, "stop", m.ShutdownCommandOrDefault())
	m.ShutdownCommand = "quit"
	assert.Equal(t, "quit", m.ShutdownCommandOrDefault())
}

func TestManifestCloneIsDeep(t *testing.T) {
	m := &Manifest{
		ID:       "svc1",
		Args:     []string{"-jar", "server.jar"},
		Env:      map[string]string{"KEY": "v"},
		Tags:     []string{"game"},
		Schedule: &Schedule{Enabled: true, CronExpr: "* * * * * *"},
	}
	c := m.Clone()
	c.Args[0] = "changed"
	c.Env["KEY"] = "changed"
	c.Tags[0] = "changed"
	c.Schedule.Enabled = false

	assert.Equal(t, "-jar", m.Args[0])
	assert.Equal(t, "v", m.Env["KEY"])
	assert.Equal(t, "game", m.Tags[0])
	assert.True(t, m.Schedule.Enabled)
}
