// Package main provides administrative maintenance utilities for a
// framelog event log database.
package main

import (
	"github.com/framelog/framelog/internal/cli"
	"github.com/framelog/framelog/internal/platform/config"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		config.Exitf("Error: %v", err)
	}
}
