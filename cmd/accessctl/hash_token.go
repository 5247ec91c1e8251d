package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashTokenCost int

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print a bcrypt hash for ADMIN_TOKEN_HASH",
	Long:  `Hashes the admin bearer token given as argument, or read from stdin when omitted.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			token = line
		}
		hash, err := hashToken(token, hashTokenCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().IntVar(&hashTokenCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
}

func hashToken(token string, cost int) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
