package main

import "github.com/xiaot623/gogo/bridge/cmd"

// Set by release ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Execute(version, commit, date)
}
