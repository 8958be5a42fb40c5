// Command issue-token issues an opaque access/refresh token pair for a
// device, for use against the Session Layer during manual testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firesentinel/core/internal/tokens"
)

func main() {
	deviceID := flag.String("device-id", "", "device to issue a token pair for")
	accessTTL := flag.Duration("access-ttl", time.Hour, "access token lifetime")
	refreshTTL := flag.Duration("refresh-ttl", 30*24*time.Hour, "refresh token lifetime")
	flag.Parse()

	if *deviceID == "" {
		fmt.Fprintln(os.Stderr, "usage: issue-token -device-id <id>")
		os.Exit(1)
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	mgr := tokens.NewManager(client, *accessTTL, *refreshTTL)
	pair, err := mgr.Issue(context.Background(), *deviceID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue failed:", err)
		os.Exit(1)
	}

	fmt.Println("access_token:", pair.AccessToken)
	fmt.Println("refresh_token:", pair.RefreshToken)
}
