package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "certgate",
	Short: "certgate attaches short-lived client certificates to proxied requests",
	Long: `A reverse proxy that mints short-lived X.509 client certificates for the
authenticated caller, signs them with a per-service root CA and forwards them
to the upstream in a request header.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "certgate.yaml", "Path to the configuration file")
}
