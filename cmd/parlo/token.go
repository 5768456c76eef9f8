package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/clawinfra/parlo/internal/config"
	"github.com/clawinfra/parlo/internal/security"
)

// tokenCommand mints a token offline with the configured secret:
//
//	parlo token -device cucina [-role device] [-ttl 720h]
func tokenCommand(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "parlo.json", "Path to config file")
	device := fs.String("device", "", "Device the token is for")
	role := fs.String("role", security.RoleDevice, "admin, device or readonly")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *device == "" {
		fmt.Fprintln(os.Stderr, "Error: -device is required")
		return 2
	}
	if !slices.Contains(security.ValidRoles, *role) {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", *role)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Security.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: security.jwtSecret is not set, authentication is disabled")
		return 1
	}
	if *ttl <= 0 {
		*ttl = time.Duration(cfg.Security.TokenTTLHours) * time.Hour
	}

	token, exp, err := security.NewAuthority(cfg.Security.JWTSecret).Issue(*device, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return 0
}

// hashKeyCommand prints the bcrypt hash of an admin key, for
// security.adminKey. The key is read from stdin when not given.
func hashKeyCommand(args []string) int {
	key := strings.Join(args, " ")
	if key == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "Error: no key given")
			return 2
		}
		key = strings.TrimSpace(line)
	}
	hash, err := security.HashAdminKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
