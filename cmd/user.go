/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jjudge-oj/authgate/config"
	"github.com/jjudge-oj/authgate/internal/db"
	"github.com/jjudge-oj/authgate/internal/mq"
	"github.com/jjudge-oj/authgate/internal/services"
	"github.com/jjudge-oj/authgate/internal/storage"
	"github.com/jjudge-oj/authgate/internal/store"
	"github.com/spf13/cobra"
)

// userCmd groups operator commands on the local mirror.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Inspect and modify mirrored users",
}

var userActivateEmailCmd = &cobra.Command{
	Use:   "activate-email <id>",
	Short: "Mark a user's email as verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd.Context(), func(accounts *services.AccountService, _ *storage.Archiver) error {
			return accounts.ActivateEmail(cmd.Context(), args[0])
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Archive and remove a user from the mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd.Context(), func(accounts *services.AccountService, _ *storage.Archiver) error {
			return accounts.Delete(cmd.Context(), args[0])
		})
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a mirrored user, or its archived snapshot with --archived",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archived, _ := cmd.Flags().GetBool("archived")
		return withAccounts(cmd.Context(), func(accounts *services.AccountService, archiver *storage.Archiver) error {
			var value any
			if archived {
				if archiver == nil {
					return errors.New("object storage is not configured")
				}
				snap, err := archiver.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				value = snap
			} else {
				user, err := accounts.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				value = user
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(value)
		})
	},
}

var userPurgeArchiveCmd = &cobra.Command{
	Use:   "purge-archive <id>",
	Short: "Remove the snapshot archived when a user was deleted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd.Context(), func(_ *services.AccountService, archiver *storage.Archiver) error {
			if archiver == nil {
				return errors.New("object storage is not configured")
			}
			return archiver.Forget(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userActivateEmailCmd, userDeleteCmd, userShowCmd, userPurgeArchiveCmd)
	userShowCmd.Flags().Bool("archived", false, "read the snapshot archived at deletion")
}

// withAccounts opens the mirror, broker and object store for one operator
// command. The flows used here never reach the identity provider.
func withAccounts(ctx context.Context, fn func(*services.AccountService, *storage.Archiver) error) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	mirror := store.NewMirror(pool, store.Options{
		StorePasswords: cfg.PasswordPolicy == config.PasswordPolicyHashed,
		Logger:         logger,
	})
	defer mirror.Close()

	broker, err := mq.Open(ctx, cfg.MQ, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	opts := services.AccountOptions{
		Events: mq.NewPublisher(broker, cfg.MQ.EventsChannel, logger),
		Logger: logger,
	}
	objects, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	var archiver *storage.Archiver
	if objects != nil {
		defer objects.Close()
		archiver, err = storage.NewArchiver(objects)
		if err != nil {
			return err
		}
		opts.Archiver = archiver
	}

	accounts := services.NewAccountService(mirror, nil, opts)
	if err := fn(accounts, archiver); err != nil {
		logger.Error("user command failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
