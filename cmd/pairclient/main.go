// Package main is the pairing client. It provides subcommands:
//
//   - run:   join the pairing server as one participant and negotiate real
//     peer connections with each partner
//   - match: signaling load test; pairs of simulated participants match and
//     exchange an offer through the relay
//
// Usage:
//
//	pairclient <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runParticipant(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pairclient <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      Join as one participant; type next, leave, like, block or quit")
	fmt.Println("  match    Signaling load test: pairs match and relay an offer")
	fmt.Println()
	fmt.Println("Run 'pairclient <command> -h' for command-specific options.")
}
