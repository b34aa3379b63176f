// Package main provides the entry point for the basin-chat CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/basinhq/basin/cmd/basin-chat/commands"
)

func main() {
	// A missing .env is fine; explicit config and flags take over.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
