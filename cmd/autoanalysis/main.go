package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autoanalysis/internal/config"
	"autoanalysis/internal/logging"
	"autoanalysis/internal/status"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	location   string
	configPath string
	verbose    bool
	dryRun     bool

	tokenSubject string
	tokenTTL     time.Duration
)

// errFatal marks an error that has already been reported to the admin.
var errFatal = errors.New("daemon terminated")

var rootCmd = &cobra.Command{
	Use:   "autoanalysis",
	Short: "Moves analysis jobs between a submission host and a batch cluster",
	Long: `autoanalysis runs one of two polling daemons.

  execution (chpc)   next to the batch scheduler: checks the queue, classifies job
                     directories, copies finished jobs back and new jobs in, submits them.
  submission (hci)   next to the request database: writes job descriptors for new
                     requests and closes out jobs that came back COMPLETE.

Example: autoanalysis -l execution -c autoAnalysis.conf -v`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(os.Stderr, verbose)
		if err := godotenv.Load(); err == nil {
			log.Debug().Msg("Loaded environment from .env")
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if location == "" || configPath == "" {
			return cmd.Usage()
		}
		role, err := config.ParseRole(location)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return cmd.Usage()
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(role); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, role, cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return errors.New("a config file with statusSecret is required (-c)")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		token, err := status.GenerateToken(cfg.StatusSecret, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&location, "location", "l", "", "daemon role: execution (chpc) or submission (hci)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the tab-separated configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debugging output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "d", false, "print side-effecting commands instead of running them")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "ops", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFatal) {
			log.Error().Err(err).Msg("autoanalysis failed")
		}
		os.Exit(1)
	}
}
