package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommand.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage encrypted credentials in the .env file",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create the age key if it does not exist",
				Action: runSecretsInit,
			},
			{
				Name:      "set",
				Usage:     "Encrypt a value and store it in the .env file",
				ArgsUsage: "<KEY> <VALUE>",
				Action:    runSecretsSet,
			},
		},
	}
}

func runSecretsInit(_ context.Context, _ *cli.Command) error {
	k, err := secrets.InitKeyring(secrets.KeyPath())
	if err != nil {
		return err
	}
	fmt.Printf("Key: %s\nPublic key: %s\n", secrets.KeyPath(), k.Recipient())
	return nil
}

func runSecretsSet(_ context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) != 2 {
		return errors.New("usage: podex secrets set <KEY> <VALUE>")
	}
	key, value := args[0], args[1]

	k, err := secrets.InitKeyring(secrets.KeyPath())
	if err != nil {
		return err
	}
	sealed, err := k.Seal(value)
	if err != nil {
		return err
	}
	if err := secrets.SetEntry(config.DotenvPath(), key, sealed); err != nil {
		return fmt.Errorf("write %s: %w", config.DotenvPath(), err)
	}
	fmt.Fprintf(os.Stderr, "%s stored encrypted in %s\n", key, config.DotenvPath())
	return nil
}
