package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "health":
		if err := runHealth(); err != nil {
			fmt.Fprintf(os.Stderr, "health: %v\n", err)
			os.Exit(1)
		}
	case "provision":
		if err := runProvision(); err != nil {
			fmt.Fprintf(os.Stderr, "provision: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'relaygate --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relaygate - multi-tenant real-time WebSocket gateway

USAGE:
    relaygate [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the gateway (default)
    health      Probe a running gateway over the wire protocol
    provision   Add an identity to the SQLite identity store

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: RELAYGATE_* variables override config

EXAMPLES:
    relaygate                            # Run with config.yaml
    relaygate --config /etc/relaygate.yaml
    relaygate health --url ws://127.0.0.1:8790/ws --token dev
    relaygate provision --db identities.db --id ops --token s3cret --role operator`)
}
