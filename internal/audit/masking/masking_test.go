package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskAttributes(t *testing.T) {
	masked := MaskAttributes(map[string]any{
		"name":        "vm-1",
		"ssh_key":     "ssh-rsa AAAAB3Nza user@host",
		"db_password": "short",
		"networks":    []any{"net-1"},
		"cloud_init": map[string]any{
			"api_token": "abcd1234efgh5678",
			"hostname":  "vm-1",
		},
		"credentials": map[string]any{"user": "admin"},
		"":            "dropped",
	})

	assert.Equal(t, "vm-1", masked["name"])
	assert.Equal(t, "****host", masked["ssh_key"])
	assert.Equal(t, "****", masked["db_password"])
	assert.Equal(t, []any{"net-1"}, masked["networks"])
	assert.Equal(t, map[string]any{"api_token": "****5678", "hostname": "vm-1"}, masked["cloud_init"])
	assert.Equal(t, map[string]any{"user": "****"}, masked["credentials"])
	assert.NotContains(t, masked, "")
}

func TestMaskAttributesEmpty(t *testing.T) {
	assert.Nil(t, MaskAttributes(nil))
	assert.Equal(t, "", MaskSecret("   "))
}
