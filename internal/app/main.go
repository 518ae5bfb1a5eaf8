package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:])
	case "policy":
		return policyCmd(args[2:])
	case "message":
		return messageCmd(args[2:])
	case "channels":
		return channelsCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "chanq")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  chanq run --config ./chanq.yaml [--watch] [--pid-file ./chanq.pid] [--log-level info] [--dotenv ./.env] [--workers 4 --lock 30s -- command args...]")
	fmt.Fprintln(os.Stdout, "  chanq policy set --config ./chanq.yaml --channel NAME [--max-concurrency N] [--max-size N] [--release-interval 1s]")
	fmt.Fprintln(os.Stdout, "  chanq policy clear --config ./chanq.yaml --channel NAME")
	fmt.Fprintln(os.Stdout, "  chanq policy list --config ./chanq.yaml")
	fmt.Fprintln(os.Stdout, "  chanq message create --config ./chanq.yaml --channel NAME [--name KEY] [--content TEXT | --stdin] [--delay 0s]")
	fmt.Fprintln(os.Stdout, "  chanq message dequeue --config ./chanq.yaml [--lock 30s]")
	fmt.Fprintln(os.Stdout, "  chanq message defer --config ./chanq.yaml --id N --token T [--delay 0s] [--state TEXT]")
	fmt.Fprintln(os.Stdout, "  chanq message delete --config ./chanq.yaml --id N --token T")
	fmt.Fprintln(os.Stdout, "  chanq message heartbeat --config ./chanq.yaml --id N --token T [--lock 30s]")
	fmt.Fprintln(os.Stdout, "  chanq message list --config ./chanq.yaml [--channel NAME] [--limit N]")
	fmt.Fprintln(os.Stdout, "  chanq channels --config ./chanq.yaml")
	fmt.Fprintln(os.Stdout, "  chanq config validate --config ./chanq.yaml --format json|text")
	fmt.Fprintln(os.Stdout, "  chanq version [--long] [--json]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "run applies the channels section of the config on start and on every reload.")
	fmt.Fprintln(os.Stdout, "Policies for channels missing from the file are cleared, including ones set with chanq policy set.")
}
