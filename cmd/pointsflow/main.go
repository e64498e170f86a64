package main

import (
	"os"

	"github.com/solatis/pointsflow/cmd/pointsflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
