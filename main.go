// tuxagent — device sync agent
//
// Usage:
//
//	tuxagent run      — start the sync daemon
//	tuxagent register — provision the device serial and auth token
//	tuxagent history  — list recent sync cycles from the local journal
package main

import (
	"fmt"
	"os"

	"tuxagent/cmd/history"
	"tuxagent/cmd/register"
	"tuxagent/cmd/run"
	"tuxagent/internal/meta"
)

const (
	defaultSystemPath = "/etc/tuxagent/config.toml"
	defaultLocalPath  = "config.toml"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			configPath = arg[9:]
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "run":
		err = run.Run(configPath)
	case "register":
		err = register.Run(configPath)
	case "history":
		err = history.Run(configPath)
	case "version":
		fmt.Printf("tuxagent v%s\n", meta.Version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`tuxagent v%s — device sync agent

Usage:
  tuxagent <command> [--config <path>]

Commands:
  run       Start the sync daemon (polls the management server)
  register  Provision the device serial and auth token
  history   List recent sync cycles from the local journal
  version   Print version information
  help      Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  tuxagent register                     # Provision this device
  tuxagent run                          # Start syncing with default config
  tuxagent history                      # Inspect recent sync cycles

`, meta.Version, defaultSystemPath)
}
