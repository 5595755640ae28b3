package main

import (
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "pharmacy-service"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Pharmacy network stock and redistribution service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scanExpiryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
