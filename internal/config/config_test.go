package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/store"
)

const sampleConfig = `
listen    = ":8443"
database  = ":memory:"
log_level = "debug"

owner "alpha" {
  long_name = "Alpha Networks"
}

owner "beta" {}

isd {
  id    = 1
  label = "Region 1"
}

vlan "peering" {
  subnet = "10.250.0.0/24"
}

as "ff00:0:1" {
  isd   = 1
  owner = "alpha"
  core  = true

  client "main" {
    token = "secret1"

    interface {
      vlan       = "peering"
      ip         = "10.250.0.1"
      first_port = 50000
      last_port  = 51000
    }
  }
}

as "ff00:0:2" {
  isd   = 1
  owner = "beta"

  client "main" {
    token = "secret2"

    interface {
      vlan = "peering"
    }
  }
}
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleConfig), "peerd.hcl")
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.ASes, 2)
	assert.True(t, cfg.ASes[0].Core)

	// Unset port range falls back to the default.
	iface := cfg.ASes[1].Clients[0].Interfaces[0]
	assert.Equal(t, uint32(DefaultFirstPort), iface.FirstPort)
	assert.Equal(t, uint32(DefaultLastPort), iface.LastPort)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown owner", func(c *Config) { c.ASes[0].Owner = "gamma" }, "unknown owner"},
		{"unknown isd", func(c *Config) { c.ASes[0].ISD = 9 }, "unknown ISD"},
		{"unknown vlan", func(c *Config) {
			c.ASes[0].Clients[0].Interfaces[0].VLAN = "backbone"
		}, "unknown VLAN"},
		{"bad subnet", func(c *Config) { c.VLANs[0].Subnet = "10.0.0.1" }, "CIDR"},
		{"ip outside subnet", func(c *Config) {
			c.ASes[0].Clients[0].Interfaces[0].IP = "192.168.1.5"
		}, "not in subnet"},
		{"bad asn", func(c *Config) { c.ASes[0].ASN = "1:2" }, "1:2"},
		{"duplicate client", func(c *Config) {
			c.ASes[0].Clients = append(c.ASes[0].Clients, c.ASes[0].Clients[0])
		}, "duplicate client"},
		{"inverted ports", func(c *Config) {
			c.ASes[0].Clients[0].Interfaces[0].FirstPort = 51000
			c.ASes[0].Clients[0].Interfaces[0].LastPort = 50000
		}, "port range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadBytes([]byte(sampleConfig), "peerd.hcl")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSync(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleConfig), "peerd.hcl")
	require.NoError(t, err)

	s, err := store.New(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, Sync(context.Background(), cfg, s))

	asn2 := addr.MustParseASN("ff00:0:2")
	err = s.ReadTx(context.Background(), func(tx *store.Tx) error {
		owner, err := tx.GetOwner("alpha")
		require.NoError(t, err)
		assert.Equal(t, "Alpha Networks", owner.LongName)

		c, err := tx.GetClient(asn2, "main")
		require.NoError(t, err)
		assert.Equal(t, "secret2", c.SecretToken)

		// The second AS had no configured IP: .1 is taken, so it got .2.
		ifaces, err := tx.Interfaces(asn2, "peering")
		require.NoError(t, err)
		require.Len(t, ifaces, 1)
		assert.Equal(t, "10.250.0.2", ifaces[0].PublicIP)
		return nil
	})
	require.NoError(t, err)

	// Re-syncing is idempotent: the allocated IP is kept.
	require.NoError(t, Sync(context.Background(), cfg, s))
	err = s.ReadTx(context.Background(), func(tx *store.Tx) error {
		ifaces, err := tx.Interfaces(asn2, "peering")
		require.NoError(t, err)
		require.Len(t, ifaces, 1)
		assert.Equal(t, "10.250.0.2", ifaces[0].PublicIP)

		members, err := tx.VLANMembers("peering")
		require.NoError(t, err)
		assert.Len(t, members, 2)
		return nil
	})
	require.NoError(t, err)
}
