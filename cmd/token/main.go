// Command token issues a signed bearer token for local development.
//
// Usage:
//
//	go run ./cmd/token -user usr_alice
//	go run ./cmd/token -user usr_ops -role admin -ttl 8h
//
// The signing key comes from JWT_SECRET, falling back to the development key
// the server uses when it is unset.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/taskhold/internal/auth"
	"github.com/mbd888/taskhold/internal/config"
)

func main() {
	user := flag.String("user", "", "user id to put in the token subject")
	role := flag.String("role", auth.RoleUser, "role claim: user or admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	issuer := flag.String("issuer", "taskhold", "issuer claim")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	secret := cfg.JWTSecret
	if secret == "" {
		secret = auth.DevelopmentSecret
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-role user|admin] [-ttl 1h]")
		os.Exit(2)
	}

	tok, err := auth.NewManager(secret, *issuer).WithTTL(*ttl).IssueToken(*user, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
