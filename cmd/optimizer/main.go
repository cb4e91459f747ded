package main

import (
	"log"

	"github.com/komitreehouse/ads-budget-optimizer/internal/config"
	"github.com/komitreehouse/ads-budget-optimizer/internal/engine"
)

func main() {
	cfg := config.Load()

	e := engine.New(cfg)
	if err := e.Run(); err != nil {
		log.Fatal(err)
	}
}
