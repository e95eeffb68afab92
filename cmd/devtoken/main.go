// Command devtoken mints access tokens for local development.
//
//	go run ./cmd/devtoken -sub t-1 -role teacher
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"presence/internal/auth"
	"presence/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	subject := flag.String("sub", "", "subject id (teacher, student or door id)")
	role := flag.String("role", auth.RoleStudent, "teacher, student or door")
	ttl := flag.Duration("ttl", 0, "token lifetime, defaults to access_ttl")
	asJSON := flag.Bool("json", false, "print token and expiry as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	if cfg.IsProduction() {
		fail(fmt.Errorf("refusing to mint tokens with app_env=%s", cfg.Env))
	}
	lifetime := cfg.AccessTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	tok, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, lifetime)
	if err != nil {
		fail(err)
	}

	if *asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(tok)
		return
	}
	fmt.Println(tok.AccessToken)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
	os.Exit(1)
}
