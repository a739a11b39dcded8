// Package main is the single-binary entrypoint for trialflow.
package main

import "github.com/trialflow/trialflow/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
