// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/freitascorp/qlikclaw/pkg/mcp"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "qlikclaw %s\n", formatVersion())
	if buildTime != "" {
		fmt.Fprintf(w, "  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Fprintf(w, "  Go: %s\n", goVer)
}

func main() {
	mcp.ServerVersion = version
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
