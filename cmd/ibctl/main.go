package main

import (
	"log"

	"github.com/austindbirch/integration_builder/cmd/ibctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
