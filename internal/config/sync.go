package config

import (
	"context"
	"fmt"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/alloc"
	"grimm.is/peerd/internal/logging"
	"grimm.is/peerd/internal/store"
)

// Sync writes the configured topology into the store in a single
// transaction. Existing rows are updated in place; interfaces without
// a configured IP get one allocated from their VLAN's subnet.
func Sync(ctx context.Context, cfg *Config, s *store.Store) error {
	log := logging.WithComponent("config")

	return s.WriteTx(ctx, func(tx *store.Tx) error {
		for _, o := range cfg.Owners {
			if err := tx.PutOwner(store.Owner{Name: o.Name, LongName: o.LongName}); err != nil {
				return fmt.Errorf("owner %s: %w", o.Name, err)
			}
		}
		for _, isd := range cfg.ISDs {
			if err := tx.PutISD(store.ISD{ID: isd.ID, Label: isd.Label}); err != nil {
				return fmt.Errorf("ISD %d: %w", isd.ID, err)
			}
		}
		for _, v := range cfg.VLANs {
			if err := tx.PutVLAN(store.VLAN{
				Name: v.Name, LongName: v.LongName, Subnet: v.Subnet,
			}); err != nil {
				return fmt.Errorf("vlan %s: %w", v.Name, err)
			}
		}

		for _, as := range cfg.ASes {
			asn, err := addr.ParseASN(as.ASN)
			if err != nil {
				return err
			}
			if err := tx.PutAS(store.AS{
				ASN: asn, ISD: as.ISD, Owner: as.Owner, IsCore: as.Core,
			}); err != nil {
				return fmt.Errorf("as %s: %w", asn, err)
			}

			for _, cl := range as.Clients {
				if err := tx.PutClient(store.Client{
					ASN: asn, Name: cl.Name, SecretToken: cl.Token,
				}); err != nil {
					return fmt.Errorf("client %s/%s: %w", asn, cl.Name, err)
				}

				for _, iface := range cl.Interfaces {
					ip := iface.IP
					if ip == "" {
						// Keep the address a previous sync allocated.
						existing, err := tx.Interfaces(asn, iface.VLAN)
						if err != nil {
							return err
						}
						for _, e := range existing {
							if e.Client == cl.Name {
								ip = e.PublicIP
								break
							}
						}
					}
					if ip == "" {
						vlan, err := tx.GetVLAN(iface.VLAN)
						if err != nil {
							return err
						}
						ip, err = alloc.UnusedIP(tx, vlan)
						if err != nil {
							return fmt.Errorf("client %s/%s: %w", asn, cl.Name, err)
						}
						log.Info("allocated interface IP",
							"asn", asn.String(), "client", cl.Name,
							"vlan", iface.VLAN, "ip", ip)
					}
					if _, err := tx.PutInterface(store.Interface{
						ASN: asn, Client: cl.Name, VLAN: iface.VLAN,
						PublicIP: ip, FirstPort: iface.FirstPort, LastPort: iface.LastPort,
					}); err != nil {
						return fmt.Errorf("interface %s/%s: %w", iface.VLAN, ip, err)
					}
				}
			}
		}
		return nil
	})
}
