// Package openstack provisions OpenStack.Instance resources as Nova servers
// and keeps their scope rows in step with the compute API.
package openstack

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/smallbiznis/marketplace/internal/config"
	obstracing "github.com/smallbiznis/marketplace/internal/observability/tracing"
)

const requestTimeout = 60 * time.Second

var ErrMissingCredentials = errors.New("openstack_credentials_missing")

// NewComputeClient authenticates against Keystone and returns a Nova v2
// client for the configured region.
func NewComputeClient(cfg config.OpenStackConfig) (*gophercloud.ServiceClient, error) {
	if cfg.IdentityEndpoint == "" || cfg.Username == "" {
		return nil, ErrMissingCredentials
	}

	provider, err := newProviderClient(cfg)
	if err != nil {
		return nil, err
	}
	err = openstack.Authenticate(provider, gophercloud.AuthOptions{
		IdentityEndpoint: cfg.IdentityEndpoint,
		Username:         cfg.Username,
		Password:         cfg.Password,
		TenantName:       cfg.TenantName,
		DomainName:       cfg.DomainName,
		AllowReauth:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate openstack: %w", err)
	}

	compute, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: cfg.Region})
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}
	return compute, nil
}

// newProviderClient builds an unauthenticated provider whose requests carry
// the trace context.
func newProviderClient(cfg config.OpenStackConfig) (*gophercloud.ProviderClient, error) {
	provider, err := openstack.NewClient(cfg.IdentityEndpoint)
	if err != nil {
		return nil, fmt.Errorf("create openstack provider: %w", err)
	}
	provider.HTTPClient = *obstracing.WrapHTTPClient(&http.Client{Timeout: requestTimeout})
	return provider, nil
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
