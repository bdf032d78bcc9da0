package main

import (
	"log"

	"claimengine/services/claimd"
)

func main() {
	if err := claimd.Main(); err != nil {
		log.Fatalf("claimd: %v", err)
	}
}
