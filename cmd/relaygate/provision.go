package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"relaygate/internal/adapter/identity"
	"relaygate/internal/domain"
)

// runProvision inserts or updates an identity in the SQLite store.
func runProvision() error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	dbPath := fs.String("db", "identities.db", "identity database path")
	id := fs.String("id", "", "identity id")
	token := fs.String("token", "", "auth token")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "viewer", "role: operator, node, or viewer")
	scopes := fs.String("scopes", "", "comma-separated scope list")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	if *id == "" || *token == "" {
		return fmt.Errorf("--id and --token are required")
	}
	switch domain.Role(*role) {
	case domain.RoleOperator, domain.RoleNode, domain.RoleViewer:
	default:
		return fmt.Errorf("unknown role %q", *role)
	}

	store, err := identity.NewSQLiteStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var scopeList []string
	if *scopes != "" {
		scopeList = strings.Split(*scopes, ",")
	}

	err = store.Provision(context.Background(), *token, domain.Identity{
		ID:          *id,
		DisplayName: *name,
		Role:        domain.Role(*role),
		Scopes:      scopeList,
	})
	if err != nil {
		return err
	}
	fmt.Printf("provisioned identity %q with role %s\n", *id, *role)
	return nil
}
