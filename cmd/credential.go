package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/config"
	"github.com/dhcgn/otp-inbox/credential"
)

var passwordStdin bool

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage IMAP passwords in the OS keyring",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <user>",
	Short: "Store the IMAP password of user on --imap-host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := credentialKey(cmd, args[0])
		if err != nil {
			return err
		}

		var password string
		if passwordStdin {
			password, err = readPassword(cmd.InOrStdin())
		} else {
			password, err = credential.Prompt(fmt.Sprintf("Password for %s: ", key))
		}
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if password == "" {
			return fmt.Errorf("password is empty")
		}

		store, err := credential.Open()
		if err != nil {
			return err
		}
		if err := store.Set(key, password); err != nil {
			return err
		}
		pterm.Success.Printf("Stored %s\n", key)
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <user>",
	Short: "Remove the IMAP password of user on --imap-host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := credentialKey(cmd, args[0])
		if err != nil {
			return err
		}
		store, err := credential.Open()
		if err != nil {
			return err
		}
		if err := store.Delete(key); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted %s\n", key)
		return nil
	},
}

func init() {
	credentialSetCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	credentialCmd.AddCommand(credentialSetCmd, credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)
}

func credentialKey(cmd *cobra.Command, user string) (string, error) {
	host, err := cmd.Flags().GetString("imap-host")
	if err != nil {
		return "", err
	}
	user = strings.TrimSpace(user)
	if host == "" || user == "" {
		return "", fmt.Errorf("user and --imap-host are required")
	}
	return config.IMAPSecretKey(user, host), nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
