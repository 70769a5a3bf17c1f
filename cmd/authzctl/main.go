package main

import (
	"os"

	"carecoord.org/cmd/authzctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
