// Command genpass hashes a device API key for insertion into the devices
// table, using the argon2id parameters of auth.HashPassword.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/firesentinel/core/internal/auth"
)

func main() {
	key := flag.String("key", "", "raw API key to hash")
	flag.Parse()

	if *key == "" {
		fmt.Fprintln(os.Stderr, "usage: genpass -key <raw-api-key>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(*key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash failed:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
