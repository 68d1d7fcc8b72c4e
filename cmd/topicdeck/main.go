package main

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(2)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("topicdeck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		os.Exit(handleRun(args[1:]))
	case "hook":
		os.Exit(handleHook(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Println("topicdeck: drive Claude Code sessions in tmux from Telegram forum topics")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  topicdeck run [--foreground]     Start the bridge")
	fmt.Println("  topicdeck hook                   SessionStart hook (reads the payload on stdin)")
	fmt.Println("  topicdeck hook --install         Add the hook to ~/.claude/settings.json")
	fmt.Println("  topicdeck hook --uninstall       Remove it again")
	fmt.Println("  topicdeck version")
	fmt.Println()
	fmt.Println("Configuration: ~/.topicdeck/config.toml (TOPICDECK_DIR moves the state directory)")
}
