package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `chatrelay forwards chat turns to an OpenAI-compatible completion API.

Usage:
  chatrelay serve [flags]

Commands:
  serve    Start the HTTP server
  version  Print the version

Flags:
  -h, --help  Show this help message`

// Version is overridden at build time with -ldflags "-X chatrelay/cmd.Version=...".
var Version = "0.1.0"

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "version", "--version":
		fmt.Println("chatrelay", Version)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
