// Package main is the entry point for genctl, the operator CLI of the
// generation pipeline API.
package main

import (
	"os"

	"media-pipeline/cmd/genctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
