package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peerprobehq/peerprobe/internal/connectcli"
	"github.com/peerprobehq/peerprobe/internal/diag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "offer", "answer":
		err = connectcli.Run(ctx, cmd, os.Args[2:], connectcli.Dependencies{})
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("PeerProbe CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peerprobe offer [--config /etc/peerprobe/peerprobe.yaml] [--duration s] [--size bytes] [--pps n] [--probe=false] [--wait 30s]")
	fmt.Println("  peerprobe answer [--config path] [--probe] [--wait 30s]")
	fmt.Println("  peerprobe diag [--config path] [--server stun:host:port ...] [--timeout 3s]")
	fmt.Println()
	fmt.Println("The offer side prints its bundle to stdout and reads the answer")
	fmt.Println("bundle from stdin; the answer side reads first and prints second.")
}
