// kiln-admin manages the identities of the CI service: users and their API
// keys. It operates directly on the database (opening it runs migrations, so
// it works on a fresh install before any daemon has started). The plaintext
// of a generated key is printed exactly once; only its hash is stored.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kilnci/kiln/internal/auth"
	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/store"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type adminConfig struct {
	dbDriver string
	dbDSN    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &adminConfig{}

	root := &cobra.Command{
		Use:          "kiln-admin",
		Short:        "Administer Kiln users and API keys",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CI_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CI_DB_PATH", "ci_jobs.db"), "Database DSN or file path for SQLite")

	root.AddCommand(newUserCmd(cfg))
	root.AddCommand(newKeyCmd(cfg))

	return root
}

// openStores opens the database quietly (errors still reach stderr) and
// returns the identity stores.
func openStores(cfg *adminConfig) (store.UserStore, store.APIKeyStore, error) {
	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewUserStore(database), store.NewAPIKeyStore(database), nil
}

func newUserCmd(cfg *adminConfig) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	user.AddCommand(newUserCreateCmd(cfg))
	user.AddCommand(newUserListCmd(cfg))
	user.AddCommand(newUserActivateCmd(cfg, true))
	user.AddCommand(newUserActivateCmd(cfg, false))
	return user
}

func newUserCreateCmd(cfg *adminConfig) *cobra.Command {
	var name, email string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !emailPattern.MatchString(email) {
				return fmt.Errorf("invalid email format: %s", email)
			}

			users, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			u := &db.User{Name: name, Email: email, IsActive: true}
			if err := users.Create(ctx, u); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("user with email %s already exists", email)
				}
				return err
			}

			fmt.Println("User created:")
			fmt.Printf("  ID:    %s\n", u.ID)
			fmt.Printf("  Name:  %s\n", u.Name)
			fmt.Printf("  Email: %s\n", u.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "User's display name")
	cmd.Flags().StringVar(&email, "email", "", "User's email address")
	cmd.MarkFlagRequired("name")  //nolint:errcheck
	cmd.MarkFlagRequired("email") //nolint:errcheck
	return cmd
}

func newUserListCmd(cfg *adminConfig) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			users, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			all, err := users.List(context.Background())
			if err != nil {
				return err
			}

			if jsonOutput {
				type userOut struct {
					ID        string    `json:"id"`
					Name      string    `json:"name"`
					Email     string    `json:"email"`
					IsActive  bool      `json:"is_active"`
					CreatedAt time.Time `json:"created_at"`
				}
				out := make([]userOut, 0, len(all))
				for _, u := range all {
					out = append(out, userOut{
						ID:        u.ID.String(),
						Name:      u.Name,
						Email:     u.Email,
						IsActive:  u.IsActive,
						CreatedAt: u.CreatedAt,
					})
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			if len(all) == 0 {
				fmt.Println("No users found.")
				return nil
			}
			fmt.Printf("%-38s %-20s %-30s %-10s\n", "ID", "NAME", "EMAIL", "STATUS")
			for _, u := range all {
				status := "active"
				if !u.IsActive {
					status = "inactive"
				}
				fmt.Printf("%-38s %-20s %-30s %-10s\n", u.ID, u.Name, u.Email, status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newUserActivateCmd(cfg *adminConfig, activate bool) *cobra.Command {
	use, short := "activate <user-id>", "Reactivate a user"
	if !activate {
		use, short = "deactivate <user-id>", "Deactivate a user (their keys stop working)"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %s", args[0])
			}

			users, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			u, err := users.GetByID(ctx, userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("user not found: %s", userID)
				}
				return err
			}

			if err := users.SetActive(ctx, userID, activate); err != nil {
				return err
			}

			if activate {
				fmt.Printf("User activated: %s\n", u.Email)
			} else {
				fmt.Printf("User deactivated: %s\n", u.Email)
			}
			return nil
		},
	}
}

func newKeyCmd(cfg *adminConfig) *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(newKeyCreateCmd(cfg))
	key.AddCommand(newKeyListCmd(cfg))
	key.AddCommand(newKeyRevokeCmd(cfg))
	return key
}

// resolveUser finds a user by --user-id or --email, exactly one of which
// must be given.
func resolveUser(ctx context.Context, users store.UserStore, userID, email string) (*db.User, error) {
	switch {
	case userID == "" && email == "":
		return nil, fmt.Errorf("must provide either --user-id or --email")
	case userID != "" && email != "":
		return nil, fmt.Errorf("provide either --user-id or --email, not both")
	case email != "":
		u, err := users.GetByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user not found with email: %s", email)
		}
		return u, err
	default:
		id, err := uuid.Parse(userID)
		if err != nil {
			return nil, fmt.Errorf("invalid user id: %s", userID)
		}
		u, err := users.GetByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user not found: %s", userID)
		}
		return u, err
	}
}

func newKeyCreateCmd(cfg *adminConfig) *cobra.Command {
	var userID, email, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			users, keys, err := openStores(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			u, err := resolveUser(ctx, users, userID, email)
			if err != nil {
				return err
			}

			plaintext, err := auth.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			k := &db.APIKey{
				UserID:   u.ID,
				KeyHash:  auth.HashKey(plaintext),
				Name:     name,
				IsActive: true,
			}
			if err := keys.Create(ctx, k); err != nil {
				return err
			}

			fmt.Println("API key created:")
			fmt.Printf("  ID:   %s\n", k.ID)
			fmt.Printf("  User: %s\n", u.Email)
			fmt.Printf("  Name: %s\n", k.Name)
			fmt.Println()
			fmt.Printf("  Key: %s\n", plaintext)
			fmt.Println()
			fmt.Println("Store this key securely — it will not be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User ID the key belongs to")
	cmd.Flags().StringVar(&email, "email", "", "User email (alternative to --user-id)")
	cmd.Flags().StringVar(&name, "name", "", "Descriptive name for the key")
	cmd.MarkFlagRequired("name") //nolint:errcheck
	return cmd
}

func newKeyListCmd(cfg *adminConfig) *cobra.Command {
	var userID, email string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			users, keys, err := openStores(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			u, err := resolveUser(ctx, users, userID, email)
			if err != nil {
				return err
			}

			all, err := keys.ListByUser(ctx, u.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				type keyOut struct {
					ID         string     `json:"id"`
					Name       string     `json:"name"`
					IsActive   bool       `json:"is_active"`
					CreatedAt  time.Time  `json:"created_at"`
					LastUsedAt *time.Time `json:"last_used_at"`
				}
				out := make([]keyOut, 0, len(all))
				for _, k := range all {
					out = append(out, keyOut{
						ID:         k.ID.String(),
						Name:       k.Name,
						IsActive:   k.IsActive,
						CreatedAt:  k.CreatedAt,
						LastUsedAt: k.LastUsedAt,
					})
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			if len(all) == 0 {
				fmt.Printf("No keys found for %s.\n", u.Email)
				return nil
			}
			fmt.Printf("%-38s %-20s %-10s %-25s\n", "ID", "NAME", "STATUS", "LAST USED")
			for _, k := range all {
				status := "active"
				if !k.IsActive {
					status = "revoked"
				}
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%-38s %-20s %-10s %-25s\n", k.ID, k.Name, status, lastUsed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User ID to list keys for")
	cmd.Flags().StringVar(&email, "email", "", "User email (alternative to --user-id)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newKeyRevokeCmd(cfg *adminConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id: %s", args[0])
			}

			_, keys, err := openStores(cfg)
			if err != nil {
				return err
			}

			if err := keys.Revoke(context.Background(), keyID); err != nil {
				return err
			}
			fmt.Printf("API key revoked: %s\n", keyID)
			return nil
		},
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
