// Package main is the posctl entry point.
package main

import (
	"os"

	"github.com/posfw/posfw/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
