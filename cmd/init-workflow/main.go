package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/swot-confluence/init-workflow/pkg/config"
	"github.com/swot-confluence/init-workflow/pkg/s3store"
	"github.com/swot-confluence/init-workflow/pkg/workflow"
)

var (
	prefix       string
	reachSubset  string
	configPath   string
	region       string
	fetchTimeout time.Duration
	maxAttempts  uint64
	dryRun       bool

	logLevelStr         string
	logFullTimestamp    bool
	logDisableTimestamp bool
)

var rootCmd = &cobra.Command{
	Use:   "init-workflow",
	Short: "initializes the Confluence workflow",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the one-shot initialization job",
	Run:   runInit,
}

func AddCommands() {
	rootCmd.AddCommand(runCmd)
}

func init() {
	// globally set time to UTC
	time.Local = time.UTC

	runCmd.Flags().StringVarP(&prefix, "prefix", "p", "", "prefix for the AWS environment")
	runCmd.Flags().StringVarP(&reachSubset, "reach-subset", "r", "", "name of the reaches-of-interest file used to subset reaches")
	runCmd.Flags().StringVar(&configPath, "config", "", "optional HCL configuration file overriding mounts and datasets")
	runCmd.Flags().StringVar(&region, "aws-region", config.DefaultRegion, "AWS region for S3 access")
	runCmd.Flags().DurationVar(&fetchTimeout, "fetch-timeout", config.DefaultFetchTimeout, "timeout applied to each S3 request")
	runCmd.Flags().Uint64Var(&maxAttempts, "max-attempts", config.DefaultMaxAttempts, "attempts per network operation before giving up")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what a run would do without fetching or publishing")

	runCmd.Flags().StringVar(&logLevelStr, "log-level", log.InfoLevel.String(), "log level")
	runCmd.Flags().BoolVar(&logFullTimestamp, "log-timestamp", true, "log full timestamp if true, otherwise log time since startup")
	runCmd.Flags().BoolVar(&logDisableTimestamp, "disable-timestamp", false, "disable timestamp logging")
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:    logFullTimestamp,
		DisableTimestamp: logDisableTimestamp,
	})

	AddCommands()

	rootCmd.ParseFlags(os.Args[1:])

	if err := SetFlagsFromEnv(runCmd.Flags(), "INIT_WORKFLOW"); err != nil {
		log.WithError(err).Fatalf("error setting flags from environment variables: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("error executing command: %v", err)
	}
}

func runInit(cmd *cobra.Command, args []string) {
	logger := newLogger()

	cfg, err := config.Resolve(prefix, reachSubset, configPath)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	cfg.Region = region
	cfg.FetchTimeout = fetchTimeout
	cfg.MaxAttempts = maxAttempts

	logger.Infof("prefix: %s", cfg.Prefix)
	if cfg.ReachSubsetKey != "" {
		logger.Infof("reaches of interest: %s", cfg.ReachSubsetKey)
	}

	// Missing credentials are a configuration error; fail before any stage runs.
	store, err := s3store.New(cfg.Region)
	if err != nil {
		logger.WithError(err).Fatal("could not set up S3 access")
	}

	w := workflow.New(logger, cfg, store)
	if dryRun {
		w.Plan()
		return
	}

	ctx := setupSignals()
	if err := w.Run(ctx); err != nil {
		logger.WithError(err).Fatal("initialization failed")
	}
	logger.Info("init-workflow finished")
}

// SetFlagsFromEnv parses all registered flags in the given flagset,
// and if they are not already set it attempts to set their values from
// environment variables. Environment variables take the name of the flag but
// are UPPERCASE, and any dashes are replaced by underscores. Environment
// variables additionally are prefixed by the given string followed by
// an underscore. For example, if prefix=PREFIX: some-flag => PREFIX_SOME_FLAG
func SetFlagsFromEnv(fs *pflag.FlagSet, prefix string) (err error) {
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if !alreadySet[f.Name] {
			key := prefix + "_" + strings.ToUpper(strings.Replace(f.Name, "-", "_", -1))
			val := os.Getenv(key)
			if val != "" {
				if serr := fs.Set(f.Name, val); serr != nil {
					err = fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
				}
			}
		}
	})
	return err
}

func setupSignals() context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		log.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}

func newLogger() log.FieldLogger {
	logger := log.WithFields(log.Fields{
		"app": "init-workflow",
	})
	logLevel, err := log.ParseLevel(logLevelStr)
	if err != nil {
		logger.WithError(err).Fatalf("invalid log level: %s", logLevelStr)
	}
	logger.Infof("setting log level to %s", logLevel.String())
	logger.Logger.Level = logLevel
	return logger
}
