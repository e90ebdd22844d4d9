// Command hashsecret prints a bcrypt hash for provisioning an api_clients row.
// With no argument it generates a new random secret first.
package main

import (
	"flag"
	"fmt"
	"os"

	"machine-auth/internal/auth"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hashsecret [secret]\n")
	}
	flag.Parse()

	secret := flag.Arg(0)
	if secret == "" {
		generated, err := auth.GenerateClientSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate secret: %v\n", err)
			os.Exit(1)
		}
		secret = generated
		fmt.Printf("secret: %s\n", secret)
	}

	hash, err := auth.HashClientSecret(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("hash:   %s\n", hash)
}
