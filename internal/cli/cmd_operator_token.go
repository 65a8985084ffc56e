package cli

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/koltyakov/deskrelay/internal/auth"
)

const operatorTokenLength = 40

// runOperatorToken prints a bcrypt hash for DESKRELAY_OPERATOR_TOKEN_HASH,
// generating the token itself unless one is given.
func runOperatorToken(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("operator-token", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "token to hash; a random one is generated when empty")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	plain := *token
	if plain == "" {
		var err error
		plain, err = auth.GenerateSessionPassword(operatorTokenLength)
		if err != nil {
			fmt.Fprintln(stderr, "generate token:", err)
			return 1
		}
		fmt.Fprintln(stdout, "token:", plain)
	}
	hash, err := auth.HashPassword(plain)
	if err != nil {
		fmt.Fprintln(stderr, "hash token:", err)
		return 1
	}
	fmt.Fprintln(stdout, "hash:", hash)
	return 0
}
