package cmd

import (
	"context"
	"encoding/json"
	"os"

	"example.com/backstage/services/openbk-ota/internal/core"
	"example.com/backstage/services/openbk-ota/internal/infrastructure"
	"github.com/spf13/cobra"
)

var checkTag string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Fetch the latest release from the registry and print it",
	Long: `Queries the release registry once, without the MQTT bus or a running server.
Use --tag to look up a specific release instead of the latest one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkTag, "tag", "t", "", "release tag to look up")
}

func runCheck(ctx context.Context) error {
	github := infrastructure.NewGitHubClient(cfg.Registry, cfg.Firmware.MaxFileSize, logger)
	resolver := core.NewResolver(github, nil, core.ResolverConfig{
		PollInterval: cfg.Registry.PollInterval(),
		ErrorBackoff: cfg.Registry.ErrorBackoff,
		FetchTimeout: cfg.Registry.RequestTimeout,
	}, logger)

	var (
		rel *core.Release
		err error
	)
	if checkTag != "" {
		rel, err = resolver.VerifyVersion(ctx, checkTag)
	} else {
		rel, err = resolver.Refresh(ctx)
	}
	if rel == nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(core.SummarizeRelease(rel, err))
}
