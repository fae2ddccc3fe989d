package main

import (
	"log"

	"llmbenchstudio/cmd/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
