package main

import "github.com/tutu-network/tally/internal/cli"

// version is stamped by release builds via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Execute(version)
}
