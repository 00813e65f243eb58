package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the webhook bearer token in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the webhook token (read from the terminal without echo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := readSecret("Webhook token: ")
			if err != nil {
				return err
			}
			if tok == "" {
				return errors.New("empty token")
			}
			if err := config.StoreSecret(config.KeyringWebhookToken, tok); err != nil {
				return fmt.Errorf("store token in keyring: %w", err)
			}
			fmt.Println("Webhook token stored in OS keyring.")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook token from the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteSecret(config.KeyringWebhookToken); err != nil {
				return fmt.Errorf("delete token from keyring: %w", err)
			}
			fmt.Println("Webhook token removed from OS keyring.")
			return nil
		},
	})
	return cmd
}

// readSecret reads without echo on a terminal, or one line from piped stdin.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Print(prompt)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
