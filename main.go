package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/peerd/cmd"
)

const defaultConfigFile = "/etc/peerd/peerd.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", defaultConfigFile, "Configuration file")
		checkFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
			os.Exit(1)
		}

	case "token":
		if err := cmd.RunToken(); err != nil {
			fmt.Fprintf(os.Stderr, "Token generation failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`peerd - SCION peering coordinator

Usage:
  peerd start [-c config]   Run the coordinator in the foreground
  peerd check [-c config]   Validate the configuration file
  peerd token               Generate a client secret token
  peerd help                Show this help

The default configuration file is ` + defaultConfigFile + `.
`)
}
