package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"job-app-tracker-go/internal/config"
	"job-app-tracker-go/internal/model"
)

var rootCmd = &cobra.Command{
	Use:   "job-app-tracker",
	Short: "Job application mail ingestion service",
	Long:  "Polls connected mailboxes for job application mail and tracks each application's status",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingestion scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		logrus.Info("Starting Job Application Tracker")
		return a.Serve()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		all, _ := cmd.Flags().GetBool("all")
		if userID == "" && !all {
			return fmt.Errorf("either --user or --all is required")
		}

		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var summary interface{}
		if all {
			summary, err = a.Orchestrator.RunAll(ctx)
		} else {
			summary, err = a.Orchestrator.Run(ctx, userID)
		}
		out, jerr := json.MarshalIndent(summary, "", "  ")
		if jerr != nil {
			return jerr
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a Google mailbox through the OAuth consent flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		provider, _ := cmd.Flags().GetString("provider")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		if provider != model.ProviderGmail && provider != model.ProviderIMAP {
			return fmt.Errorf("unsupported mail provider %q", provider)
		}

		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Go to the following link in your browser: %v\n", AuthURL(a.OAuth, provider, uuid.NewString()))
		fmt.Fprintln(out, "\nAfter authorization, you'll be redirected to a URL. Copy the 'code' parameter from that URL.")
		fmt.Fprint(out, "\nEnter the authorization code: ")

		var code string
		if _, err := fmt.Fscan(bufio.NewReader(cmd.InOrStdin()), &code); err != nil {
			return fmt.Errorf("failed to read authorization code: %w", err)
		}

		account, err := Connect(cmd.Context(), a.Repo, a.OAuth, userID, provider, code)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nConnected %s (%s) as account %s\n", account.EmailAddress, account.Provider, account.ID)
		if account.RefreshToken == "" {
			fmt.Fprintln(out, "Warning: no refresh token was issued; revoke access and connect again to grant offline access")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("user", "", "User id whose accounts are ingested")
	ingestCmd.Flags().Bool("all", false, "Ingest every user with a connected account")

	connectCmd.Flags().String("user", "", "User id that owns the mailbox")
	connectCmd.Flags().String("provider", model.ProviderGmail, "Fetch mail over 'gmail' (REST API) or 'imap'")

	rootCmd.AddCommand(serveCmd, ingestCmd, connectCmd)
}

func bootstrap() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	SetupLogging(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return New(cfg)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
