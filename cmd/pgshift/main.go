package main

import (
	"os"

	"github.com/lawrencejones/pgshift/cmd/pgshift/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		os.Exit(1)
	}
}
