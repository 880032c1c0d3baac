package main

import (
	"github.com/composablefi/picasso-indexer/cmd"
)

func main() {
	cmd.Execute()
}
