package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/opms_backend/utils"
)

// Prints a signed service JWT accepted by the session middleware, for
// cron triggers and admin tooling that cannot hold a redis session.
// Lifespan comes from TOKEN_HOUR_LIFESPAN (default 24h).
func main() {
	userId := flag.Int("user-id", 0, "Numeric id recorded on writes made with this token")
	role := flag.String("role", "", "Service role, e.g. cron or admin")
	flag.Parse()

	if *role == "" {
		fmt.Fprintln(os.Stderr, "--role is required")
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(*userId, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signing token failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
