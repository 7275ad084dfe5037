// arena is the operator CLI for the arena servers.
//
// Usage:
//
//	arena token mint     - Sign a token with the given claims
//	arena token verify   - Verify a token and print its claims
//	arena bot            - Queue up and play tic-tac-toe with random moves
//
// Global flags:
//
//	--secret <key>       - Shared HMAC secret (default: secret)
//	--algorithm <alg>    - HS256, HS384 or HS512 (default: HS256)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	flagSecret    string
	flagAlgorithm string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Operator tooling for the arena game and matchmaking servers",
	Long: `Operator tooling for the arena game and matchmaking servers.

Available commands:
  token mint    - Sign connect, queue and session tokens by hand
  token verify  - Verify a token and print its claims
  bot           - Queue on a matchmaking server and play the resulting
                  tic-tac-toe game with random legal moves

Examples:
  arena token mint --issuer arena-auth --player alice --session q1 --data '{"players":["alice"]}'
  arena token verify eyJhbGciOi...
  arena bot --player alice`,
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&flagSecret, "secret", "secret", "Shared HMAC secret")
	rootCmd.PersistentFlags().StringVar(&flagAlgorithm, "algorithm", "HS256", "Token algorithm: HS256, HS384 or HS512")

	// Add subcommands
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(botCmd)
}
