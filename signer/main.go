package main

import (
	"os"

	"github.com/keybunker/keybunker/signer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
