package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/polyrelay/polyrelay/internal/route"
)

func main() {
	var apiKey string
	if len(os.Args) >= 2 {
		apiKey = os.Args[1]
	} else {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "sk-relay-" + hex.EncodeToString(buf)
	}

	keyHash := route.HashKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd the hash to a route document (PUT /admin/routes/{id}):")
	fmt.Printf("  {\"keyHashes\": [\"%s\"]}\n", keyHash)
}
