package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"example.com/backstage/services/openbk-ota/internal/api"
	"github.com/spf13/cobra"
)

var (
	ctlServer  string
	ctlToken   string
	ctlTimeout time.Duration
	ctlLimit   int
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running orchestrator over its HTTP API",
}

func init() {
	rootCmd.AddCommand(ctlCmd)

	ctlCmd.PersistentFlags().StringVar(&ctlServer, "server", "", "API base URL (default http://localhost:<server.port>)")
	ctlCmd.PersistentFlags().StringVar(&ctlToken, "token", "", "API bearer token (default server.api_token)")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 30*time.Second, "request timeout")

	sessionsCmd := ctlCommand("sessions <device>", "Show past sessions of a device", cobra.ExactArgs(1),
		func(ctx context.Context, c *api.Client, args []string) (interface{}, error) {
			return c.Sessions(ctx, args[0], ctlLimit)
		})
	sessionsCmd.Flags().IntVarP(&ctlLimit, "limit", "l", 20, "number of sessions to show")

	ctlCmd.AddCommand(
		ctlCommand("devices", "List known devices", cobra.NoArgs,
			func(ctx context.Context, c *api.Client, _ []string) (interface{}, error) {
				return c.ListDevices(ctx)
			}),
		ctlCommand("device <device>", "Show one device", cobra.ExactArgs(1),
			func(ctx context.Context, c *api.Client, args []string) (interface{}, error) {
				return c.GetDevice(ctx, args[0])
			}),
		ctlCommand("install <device> [version]", "Install a release, the latest one by default", cobra.RangeArgs(1, 2),
			func(ctx context.Context, c *api.Client, args []string) (interface{}, error) {
				version := ""
				if len(args) == 2 {
					version = args[1]
				}
				return c.Install(ctx, args[0], version)
			}),
		ctlCommand("rollback <device>", "Reinstall the build a device ran before its last update", cobra.ExactArgs(1),
			func(ctx context.Context, c *api.Client, args []string) (interface{}, error) {
				return c.Rollback(ctx, args[0])
			}),
		ctlCommand("session <device>", "Show the current or last session of a device", cobra.ExactArgs(1),
			func(ctx context.Context, c *api.Client, args []string) (interface{}, error) {
				return c.Session(ctx, args[0])
			}),
		sessionsCmd,
		ctlCommand("latest", "Show the latest known release", cobra.NoArgs,
			func(ctx context.Context, c *api.Client, _ []string) (interface{}, error) {
				return c.LatestRelease(ctx)
			}),
		ctlCommand("check", "Make the server check the registry now", cobra.NoArgs,
			func(ctx context.Context, c *api.Client, _ []string) (interface{}, error) {
				return c.CheckReleases(ctx)
			}),
	)
}

type ctlFunc func(ctx context.Context, c *api.Client, args []string) (interface{}, error)

func ctlCommand(use, short string, args cobra.PositionalArgs, fn ctlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
			defer cancel()

			out, err := fn(ctx, newCtlClient(), args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newCtlClient() *api.Client {
	server := ctlServer
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	token := ctlToken
	if token == "" {
		token = cfg.Server.APIToken
	}
	return api.NewClient(server, token)
}
