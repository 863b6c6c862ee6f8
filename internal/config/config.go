// Package config loads the daemon configuration and IXP topology from
// HCL. The topology blocks are synced into the store at startup.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/validation"
)

// Config is the top-level configuration of peerd.
type Config struct {
	Listen        string `hcl:"listen,optional"`
	MetricsListen string `hcl:"metrics_listen,optional"`
	Database      string `hcl:"database,optional"`
	LogLevel      string `hcl:"log_level,optional"`
	LogJSON       bool   `hcl:"log_json,optional"`

	Owners []Owner `hcl:"owner,block"`
	ISDs   []ISD   `hcl:"isd,block"`
	VLANs  []VLAN  `hcl:"vlan,block"`
	ASes   []AS    `hcl:"as,block"`
}

// Owner declares an organisation.
type Owner struct {
	Name     string `hcl:"name,label"`
	LongName string `hcl:"long_name,optional"`
}

// ISD declares an isolation domain.
type ISD struct {
	ID    int    `hcl:"id"`
	Label string `hcl:"label,optional"`
}

// VLAN declares a peering fabric.
type VLAN struct {
	Name     string `hcl:"name,label"`
	LongName string `hcl:"long_name,optional"`
	Subnet   string `hcl:"subnet"`
}

// AS declares an autonomous system with its peering clients.
type AS struct {
	ASN     string   `hcl:"asn,label"`
	ISD     int      `hcl:"isd"`
	Owner   string   `hcl:"owner"`
	Core    bool     `hcl:"core,optional"`
	Clients []Client `hcl:"client,block"`
}

// Client declares a peering client of an AS.
type Client struct {
	Name       string      `hcl:"name,label"`
	Token      string      `hcl:"token,optional"`
	Interfaces []Interface `hcl:"interface,block"`
}

// Interface attaches the client to a VLAN. An empty IP is allocated
// from the VLAN subnet at sync time.
type Interface struct {
	VLAN      string `hcl:"vlan"`
	IP        string `hcl:"ip,optional"`
	FirstPort uint32 `hcl:"first_port,optional"`
	LastPort  uint32 `hcl:"last_port,optional"`
}

// Defaults applied to unset fields.
const (
	DefaultListen    = ":8443"
	DefaultDatabase  = "/var/lib/peerd/peerd.db"
	DefaultFirstPort = 50000
	DefaultLastPort  = 51000
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadBytes parses configuration from memory. The filename determines
// the syntax and appears in diagnostics.
func LoadBytes(data []byte, filename string) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.ASes {
		for j := range c.ASes[i].Clients {
			for k := range c.ASes[i].Clients[j].Interfaces {
				iface := &c.ASes[i].Clients[j].Interfaces[k]
				if iface.FirstPort == 0 && iface.LastPort == 0 {
					iface.FirstPort = DefaultFirstPort
					iface.LastPort = DefaultLastPort
				}
			}
		}
	}
}

// Validate checks the topology for internal consistency.
func (c *Config) Validate() error {
	owners := make(map[string]bool)
	for _, o := range c.Owners {
		if err := validation.ValidateIdentifier(o.Name); err != nil {
			return fmt.Errorf("owner %q: %w", o.Name, err)
		}
		if owners[o.Name] {
			return fmt.Errorf("duplicate owner %q", o.Name)
		}
		owners[o.Name] = true
	}

	isds := make(map[int]bool)
	for _, isd := range c.ISDs {
		if err := validation.ValidateISD(isd.ID); err != nil {
			return err
		}
		if isds[isd.ID] {
			return fmt.Errorf("duplicate ISD %d", isd.ID)
		}
		isds[isd.ID] = true
	}

	subnets := make(map[string]string)
	for _, v := range c.VLANs {
		if err := validation.ValidateIdentifier(v.Name); err != nil {
			return fmt.Errorf("vlan %q: %w", v.Name, err)
		}
		if err := validation.ValidateCIDR(v.Subnet); err != nil {
			return fmt.Errorf("vlan %q: %w", v.Name, err)
		}
		if _, ok := subnets[v.Name]; ok {
			return fmt.Errorf("duplicate VLAN %q", v.Name)
		}
		subnets[v.Name] = v.Subnet
	}

	asns := make(map[addr.ASN]bool)
	for _, as := range c.ASes {
		asn, err := addr.ParseASN(as.ASN)
		if err != nil {
			return fmt.Errorf("as %q: %w", as.ASN, err)
		}
		if asns[asn] {
			return fmt.Errorf("duplicate AS %s", asn)
		}
		asns[asn] = true
		if !isds[as.ISD] {
			return fmt.Errorf("as %s: unknown ISD %d", asn, as.ISD)
		}
		if !owners[as.Owner] {
			return fmt.Errorf("as %s: unknown owner %q", asn, as.Owner)
		}

		clients := make(map[string]bool)
		for _, cl := range as.Clients {
			if err := validation.ValidateIdentifier(cl.Name); err != nil {
				return fmt.Errorf("as %s client %q: %w", asn, cl.Name, err)
			}
			if clients[cl.Name] {
				return fmt.Errorf("as %s: duplicate client %q", asn, cl.Name)
			}
			clients[cl.Name] = true

			for _, iface := range cl.Interfaces {
				subnet, ok := subnets[iface.VLAN]
				if !ok {
					return fmt.Errorf("as %s client %s: unknown VLAN %q",
						asn, cl.Name, iface.VLAN)
				}
				if err := validation.ValidatePortRange(iface.FirstPort, iface.LastPort); err != nil {
					return fmt.Errorf("as %s client %s: %w", asn, cl.Name, err)
				}
				if iface.IP != "" {
					if err := validation.ValidateIPInSubnet(iface.IP, subnet); err != nil {
						return fmt.Errorf("as %s client %s: %w", asn, cl.Name, err)
					}
				}
			}
		}
	}
	return nil
}
