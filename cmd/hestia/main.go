package main

import (
	"log"
	"os"

	"github.com/hestia-gateway/hestia/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Printf("❌ hestia failed to start: %v", err)
		os.Exit(1)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ hestia terminated: %v", err)
	}
}
