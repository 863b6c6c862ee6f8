package cmd

import (
	"fmt"

	"grimm.is/peerd/internal/config"
)

// RunCheck validates a configuration file without starting anything.
func RunCheck(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("%s: OK (%d owners, %d ISDs, %d VLANs, %d ASes)\n",
		configFile, len(cfg.Owners), len(cfg.ISDs), len(cfg.VLANs), len(cfg.ASes))
	return nil
}
