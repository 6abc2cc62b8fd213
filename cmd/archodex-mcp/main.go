package main

import (
	"fmt"
	"os"

	"github.com/archodex/backend/pkg/mcp"
)

func main() {
	apiURL := os.Getenv("ARCHODEX_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8090"
	}
	adminToken := os.Getenv("ARCHODEX_ADMIN_TOKEN")

	s := mcp.NewServer(apiURL, adminToken)
	if err := s.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp server failed: %v\n", err)
		os.Exit(1)
	}
}
