// genkey generates a Tsunagi API key and its Argon2id hash.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints the plaintext key (give this to the client, it is not recoverable
// later) and the hash to append to TSUNAGI_API_KEY_HASHES. Writes nothing to
// disk.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/tsunagi/internal/auth"
)

func main() {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key (share with the client, not recoverable):\n  %s\n\n", key)
	fmt.Printf("Hash (append to TSUNAGI_API_KEY_HASHES, comma-separated):\n  %s\n", hash)
}
