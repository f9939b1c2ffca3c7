package main

import (
	"log"

	"fableboard/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	cfg := server.LoadConfig()
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer srv.Close()

	if err := srv.Run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
