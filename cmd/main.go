package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/fedstack/federation-server/cmd/cli"
	"github.com/fedstack/federation-server/pkg/logger"
)

var logMode string

var rootCmd = &cobra.Command{
	Use:   "federation-server",
	Short: "Federated learning coordination server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch logMode {
		case "debug", "pretty", "info", "prod", "test":
			logger.InitWithMode(logger.LogMode(logMode))
		default:
			logger.InitWithMode(logger.LogModePretty)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")

	collaboratorCmd.Flags().String("server-url", "", "Aggregator base URL (e.g. https://aggregator:8443/api)")
	collaboratorCmd.Flags().String("run-id", "", "Federation run to participate in")
	collaboratorCmd.Flags().String("name", "", "Collaborator display name")
	collaboratorCmd.Flags().String("cert", "", "Client certificate file (PEM)")
	collaboratorCmd.Flags().String("key", "", "Client private key file (PEM)")
	collaboratorCmd.Flags().String("ca", "", "Federation root bundle (PEM)")
	collaboratorCmd.Flags().Duration("poll-interval", 0, "Task poll interval")
	for _, flag := range []string{"server-url", "run-id", "cert", "key", "ca"} {
		if err := collaboratorCmd.MarkFlagRequired(flag); err != nil {
			log.Fatalf("Error marking flag required: %v", err)
		}
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(collaboratorCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the aggregator server",
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer()
	},
}

var collaboratorCmd = &cobra.Command{
	Use:   "collaborator",
	Short: "Run a collaborator against an aggregator",
	Run: func(cmd *cobra.Command, args []string) {
		opts := cli.CollaboratorOptions{}
		opts.ServerURL, _ = cmd.Flags().GetString("server-url")
		opts.RunID, _ = cmd.Flags().GetString("run-id")
		opts.Name, _ = cmd.Flags().GetString("name")
		opts.CertFile, _ = cmd.Flags().GetString("cert")
		opts.KeyFile, _ = cmd.Flags().GetString("key")
		opts.CAFile, _ = cmd.Flags().GetString("ca")
		opts.PollInterval, _ = cmd.Flags().GetDuration("poll-interval")

		if err := cli.RunCollaborator(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Collaborator failed: %v\n", err)
			os.Exit(1)
		}
	},
}
