package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/srika/srika/client/internal/updatemanager/downloader"
	"github.com/srika/srika/client/internal/updatemanager/releases"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Reports whether a newer release is available",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}

		installed := fromVersion
		if installed == "" {
			if installed, err = env.layout.InstalledVersion(); err != nil {
				return err
			}
		}

		fetcher := downloader.New(
			downloader.WithAllowedHosts(env.cfg.AllowedHosts...),
			downloader.WithConnectTimeout(env.cfg.ConnectTimeout.Duration),
			downloader.WithInactivityTimeout(env.cfg.InactivityTimeout.Duration),
			downloader.WithMaxRedirects(env.cfg.MaxRedirects),
		)
		resolver, err := releases.New(fetcher,
			releases.WithBaseURL(env.cfg.APIBaseURL),
			releases.WithRepository(env.cfg.Repository),
			releases.WithAssetSuffix(env.cfg.AssetSuffix),
		)
		if err != nil {
			return err
		}

		desc, err := resolver.Resolve(cmd.Context(), installed)
		if errors.Is(err, releases.ErrNoUpdate) {
			cmd.Printf("Installed version %s is up to date\n", displayVersion(installed))
			return nil
		}
		if err != nil {
			return err
		}

		cmd.Printf("Update available: %s -> %s\n", displayVersion(installed), desc.Version)
		cmd.Printf("Asset: %s (%d bytes)\n", desc.AssetName, desc.Size)
		cmd.Printf("SHA-256: %s\n", desc.ExpectedSHA256)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&fromVersion, "from", "", "installed version (defaults to current/version.txt)")
}

func displayVersion(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
