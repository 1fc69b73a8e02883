package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeProvisioningFile(t *testing.T, body string) *viper.Viper {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provisioning.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	v := viper.New()
	v.SetConfigFile(path)
	return v
}

func TestProvisioningConfigLoadsLimits(t *testing.T) {
	v := writeProvisioningFile(t, `
provisioning:
  default_limit: 2
  stale_order_threshold: 90m
  limits:
    - offering_type: OpenStack.Instance
      limit: 6
`)

	holder, err := newProvisioningConfigHolder(v, zap.NewNop(), false)
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 2, cfg.DefaultLimit)
	assert.Equal(t, 90*time.Minute, cfg.StaleOrderThreshold)
	assert.Equal(t, 6, cfg.LimitFor("OpenStack.Instance"))
	assert.Equal(t, 6, cfg.LimitFor("openstack.instance"))
	assert.Equal(t, 2, cfg.LimitFor("Marketplace.Basic"))
}

func TestProvisioningConfigRejectsInvalidLimit(t *testing.T) {
	v := writeProvisioningFile(t, `
provisioning:
  limits:
    - offering_type: OpenStack.Instance
      limit: 0
`)

	_, err := newProvisioningConfigHolder(v, zap.NewNop(), false)
	require.Error(t, err)
}

func TestProvisioningConfigDefaultsWithoutLimits(t *testing.T) {
	holder := NewStaticProvisioningConfigHolder(DefaultProvisioningConfig())
	assert.Equal(t, DefaultProvisioningLimit, holder.Get().LimitFor("anything"))
}
