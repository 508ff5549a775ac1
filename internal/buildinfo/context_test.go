package buildinfo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextGetters(t *testing.T) {
	tests := []struct {
		name      string
		ctx       *Context
		version   string
		buildDate string
	}{
		{"nil context", nil, UnknownValue, UnknownValue},
		{"empty values", &Context{}, UnknownValue, UnknownValue},
		{"injected values", &Context{Version: "1.2.0", BuildDate: "2026-10-01"}, "1.2.0", "2026-10-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.buildDate, tt.ctx.GetBuildDate())
		})
	}
}

func TestNewContextAssignsInstanceID(t *testing.T) {
	a := NewContext("1.0.0", "")
	b := NewContext("1.0.0", "")

	_, err := uuid.Parse(a.GetInstanceID())
	require.NoError(t, err)
	assert.NotEqual(t, a.GetInstanceID(), b.GetInstanceID())

	var nilCtx *Context
	assert.Equal(t, UnknownValue, nilCtx.GetInstanceID())
}

func TestContextString(t *testing.T) {
	assert.Equal(t, "statesync 1.0.0 (built unknown)", NewContext("1.0.0", "").String())
}
