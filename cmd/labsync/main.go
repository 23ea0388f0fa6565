package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"labsync/internal/app"
	"labsync/internal/config"
	"labsync/internal/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// a.Close().
func newApp(cmd *cobra.Command) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassword reads a password without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(data), nil
}

var rootCmd = &cobra.Command{
	Use:   "labsync",
	Short: "Offline-first sync client for the lab operations portal",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Remote:    %s\n", cfg.Remote.BaseURL)
		fmt.Printf("Strategy:  %s\n", cfg.Sync.DefaultStrategy)
		return nil
	},
}

// login command
var loginCmd = &cobra.Command{
	Use:   "login EMAIL",
	Short: "Log in, online when reachable, offline otherwise",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}

		user, session, err := a.Login(cmd.Context(), args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		mode := "online"
		if strings.HasPrefix(session.AccessToken, "offline-") {
			mode = "offline"
		}
		fmt.Printf("Logged in as %s (%s, %s)\n", user.Name, user.Role, mode)
		fmt.Printf("Session expires %s\n", session.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the cached session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Logout(cmd.Context()); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue against the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		history, err := a.Sync(cmd.Context())
		if history != nil {
			fmt.Printf("Synced: %d  Failed: %d  Conflicts: %d  (%dms)\n",
				history.SyncedCount, history.FailedCount, history.ConflictCount, history.DurationMs)
		}
		if err != nil {
			return fmt.Errorf("sync finished with errors: %w", err)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View sync engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		online := "offline"
		if st.Online {
			online = "online"
		}
		fmt.Printf("Remote:         %s\n", online)
		fmt.Printf("Drain active:   %v\n", st.DrainActive)
		fmt.Printf("Pending:        %d\n", st.QueueCounts[model.StatusPending])
		fmt.Printf("Failed:         %d\n", st.QueueCounts[model.StatusFailed])
		fmt.Printf("Open conflicts: %d\n", st.OpenConflicts)
		if st.LastSyncAt.IsZero() {
			fmt.Println("Last sync:      never")
		} else {
			fmt.Printf("Last sync:      %s\n", st.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
		}

		usage, err := a.Usage()
		if err != nil {
			return err
		}
		fmt.Printf("Local storage:  %d bytes\n", usage.Used)
		return nil
	},
}

// conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Manage version conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.Conflicts()
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No open conflicts.")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %s/%s  client=v%d server=v%d  detected %s\n",
				c.ID, c.Table, c.RecordID, c.ClientVersion, c.ServerVersion,
				c.DetectedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve CONFLICT_ID",
	Short: "Resolve an open conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		dataFile, _ := cmd.Flags().GetString("data")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var merged []byte
		if dataFile != "" {
			merged, err = os.ReadFile(dataFile)
			if err != nil {
				return fmt.Errorf("reading merged data: %w", err)
			}
			if !json.Valid(merged) {
				return fmt.Errorf("merged data is not valid JSON")
			}
		}

		if err := a.ResolveConflict(args[0], model.Strategy(strategy), merged); err != nil {
			return fmt.Errorf("resolving conflict: %w", err)
		}
		fmt.Printf("Conflict %s resolved (%s)\n", args[0], strategy)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, h := range entries {
			status := "running"
			if h.FinishedAt != nil {
				status = fmt.Sprintf("%dms", h.DurationMs)
			}
			summary := ""
			if h.ErrorSummary != "" {
				summary = "  " + h.ErrorSummary
			}
			fmt.Printf("%s  %s  synced:%d failed:%d conflicts:%d  %s%s\n",
				h.ID[:8],
				h.StartedAt.Local().Format("2006-01-02 15:04:05"),
				h.SyncedCount, h.FailedCount, h.ConflictCount,
				status, summary)
		}
		return nil
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the mutation queue",
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Return failed items to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.RetryFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Returned %d item(s) to pending\n", n)
		return nil
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.PruneSynced()
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d item(s)\n", n)
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage database snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Export the local database and upload it to the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		enc := ""
		if meta.Encrypted {
			enc = " (encrypted)"
		}
		fmt.Printf("Snapshot %s uploaded, %d bytes%s\n", meta.Name, meta.Size, enc)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots stored in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		snapshots, err := a.Snapshots(cmd.Context())
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots stored.")
			return nil
		}
		for _, s := range snapshots {
			enc := ""
			if s.Encrypted {
				enc = "  encrypted"
			}
			fmt.Printf("%s  %s  %d bytes%s\n",
				s.Name, s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Size, enc)
		}
		return nil
	},
}

var snapshotSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate snapshot encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := promptPassword("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupEncryption(passphrase); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		fmt.Println("Encryption keys generated.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsResolveCmd.Flags().StringP("strategy", "s", "server_wins", "Resolution strategy: server_wins, client_wins, or manual")
	conflictsResolveCmd.Flags().StringP("data", "d", "", "Path to merged JSON data (required for manual)")

	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePruneCmd)

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotSetupCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(snapshotCmd)
}
