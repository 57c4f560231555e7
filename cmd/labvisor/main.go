package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/labvisor/pkg/client"
)

func main() {
	root := buildRoot(NewSessionManager(""))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// API connection for remote commands
	APIUrl     string
	APITimeout time.Duration
	Token      string
	JSON       bool
}

// buildRoot assembles the command tree. sessions may be nil to disable saved logins.
func buildRoot(sessions *SessionManager) *cobra.Command {
	globalFlags := &GlobalFlags{}
	labCommand := command{flags: globalFlags, sessions: sessions}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createListCommand(labCommand),
		createStartCommand(labCommand),
		createStopCommand(labCommand),
		createBulkStartCommand(labCommand),
		createBulkStopCommand(labCommand),
		createStopAllCommand(labCommand),
		createUploadCommand(labCommand),
		createTrashCommand(labCommand),
		createArchiveCommand(labCommand),
		createSnapshotCommand(labCommand),
		createDeleteCommand(labCommand),
		createStatsCommand(labCommand),
		createHealthCommand(labCommand),
		createEventsCommand(labCommand),
		createLoginCommand(labCommand),
		createLogoutCommand(labCommand),
		createHashPasswordCommand(),
		createInitCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "labvisor",
		Short: "Supervise many versions of a web app side by side",
		Long: `Labvisor keeps a directory of app versions and runs each one's dev server
on its own port. Run "labvisor serve" to start the daemon; every other
command talks to a running daemon over its HTTP API.

Examples:
  labvisor serve --config labvisor.toml
  labvisor list
  labvisor start v1.2.0 --port 5180
  labvisor upload ./build-1.3.0.zip
  labvisor bulk-stop v1 v2 v3
  labvisor events --api-url http://lab-box:4000/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	root.PersistentFlags().StringVar(&flags.Token, "token", "", "bearer token (overrides the saved login)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return root
}

func createListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "List versions and their status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStartCommand(c command) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "start <version>",
		Short: "Start a version's dev server",
		Long: `Start a version. Without --port the daemon picks a free port from its range.

Examples:
  labvisor start v1.2.0
  labvisor start v1.2.0 --port 5180`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout(), args[0], port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "requested port (0 picks one)")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <version>",
		Short: "Stop a running version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createBulkStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-start <version>...",
		Short: "Start several versions at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BulkStart(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func createBulkStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-stop <version>...",
		Short: "Stop several versions at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BulkStop(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func createStopAllCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createUploadCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <archive>",
		Short: "Upload a .zip, .tar.gz or .tgz as a new version",
		Long: `Upload an archive. The version id is the file name without its extension.

Examples:
  labvisor upload ./v1.3.0.zip
  labvisor upload ./nightly-2024-05-01.tar.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Upload(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createTrashCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Manage the trash area",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List trashed versions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ListTrash(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "move <version>",
			Short: "Move a stopped version to the trash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.MoveToTrash(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
		&cobra.Command{
			Use:   "restore <version>",
			Short: "Restore a trashed version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Restore(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
		&cobra.Command{
			Use:   "empty",
			Short: "Permanently delete everything in the trash",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.EmptyTrash(cmd.Context(), cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func createArchiveCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage the archive area",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List archived versions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ListArchive(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "move <version>",
			Short: "Archive a stopped version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Archive(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
		&cobra.Command{
			Use:   "restore <version>",
			Short: "Bring an archived version back",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RestoreArchive(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
	)
	return cmd
}

func createSnapshotCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Copy a version's source tree aside",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <version>",
			Short: "Take a snapshot (allowed while running)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Snapshot(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
		&cobra.Command{
			Use:   "list <version>",
			Short: "List a version's snapshots",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ListSnapshots(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
	)
	return cmd
}

func createDeleteCommand(c command) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <version>",
		Short: "Permanently delete a stopped version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			return c.Delete(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func createStatsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <version>",
		Short: "Show CPU and memory of a running version's process tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stats(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createHealthCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createEventsCommand(c command) *cobra.Command {
	var logsOnly bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow state updates and activity logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return c.Events(ctx, cmd.OutOrStdout(), logsOnly)
		},
	}
	cmd.Flags().BoolVar(&logsOnly, "logs", false, "print only log events")
	return cmd
}

func createLoginCommand(c command) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the token for later commands",
		Long: `Log in with a configured user. The token is saved to ~/.labvisor/session.json.
Without --password the password is read from the terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return c.Login(cmd.Context(), cmd.OutOrStdout(), username, password)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when empty)")
	if err := cmd.MarkFlagRequired("username"); err != nil {
		panic(err)
	}
	return cmd
}

func createLogoutCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logout(cmd.OutOrStdout())
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	var password string
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for an [[auth.users]] entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return hashPassword(cmd.OutOrStdout(), password, cost)
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when empty)")
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the default)")
	return cmd
}
