package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"strategy-core/internal/api"
)

// Prints the OPERATOR_PASSWORD_HASH line for a password read from stdin.
// Usage: echo -n 'secret' | hash_password
func main() {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		log.Fatalf("read password: %v", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		log.Fatal("empty password")
	}

	hash, err := api.HashPassword(password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	fmt.Printf("OPERATOR_PASSWORD_HASH=%s\n", hash)
}
