package main

import (
	"github.com/joho/godotenv"

	"cambiowatch/internal/cli"
)

func main() {
	// Provider credentials live in the environment; a local .env is optional.
	_ = godotenv.Load()

	cli.Execute()
}
