// admin-token prints a bearer token for the collections admin API.
//
// Usage (from the repo root, with the same API_SECRET as the server):
//
//	API_SECRET=... go run ./cmd/admin-token -id 1 -name "AR Desk"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/collections_backend/utils"
)

func main() {
	id := flag.Int("id", 1, "Operator id recorded as the actor of admin actions.")
	name := flag.String("name", "Collections Admin", "Operator name recorded on cancel reasons and policy updates.")
	role := flag.String("role", utils.RoleAdmin, "Token role. Only \"admin\" passes the admin routes.")
	flag.Parse()

	if strings.TrimSpace(os.Getenv("API_SECRET")) == "" {
		fmt.Fprintln(os.Stderr, "warning: API_SECRET is not set; the token is signed with the development secret")
	}
	if *id <= 0 || strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "id must be positive and name must not be empty")
		os.Exit(2)
	}

	token, err := utils.JwtGenerate(*id, strings.TrimSpace(*name), *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
