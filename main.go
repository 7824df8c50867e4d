package main

import (
	"fmt"
	"os"

	_ "xolo/cmd"
	"xolo/cmd/root"
	"xolo/internal/logger"
)

func main() {
	err := root.RootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
