package main

import (
	"os"
)

func main() {
	if err := NewRootCommand(&RootOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}
