// Package main contains the cli implementation of the tool. It uses cobra
// package for cli tool implementation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"dvsync/internal/auth"
	"dvsync/internal/config"
	"dvsync/internal/optionset"
	"dvsync/internal/orchestrator"
	"dvsync/internal/report"
	"dvsync/internal/schemadiff"
	"dvsync/internal/storage"
	"dvsync/internal/storage/postgres"
	"dvsync/internal/storage/sqlite"
	"dvsync/internal/syncerr"
)

// newLogger builds a zap logger that writes structured JSON to stdout and,
// when logFile is set, a rotated copy to disk via lumberjack.
func newLogger(logFile string) *zap.Logger {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if logFile != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}))
	}
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zap.InfoLevel)
	return zap.New(core)
}

type syncFlags struct {
	envFile          string
	entitiesConfig   string
	optionsetsConfig string
	verify           bool
	maxConcurrency   int
	logFile          string
}

type validateSchemaFlags struct {
	envFile        string
	entitiesConfig string
	dbType         string
	jsonReport     string
	mdReport       string
	logFile        string
}

type generateOptionSetFlags struct {
	envFile        string
	entitiesConfig string
	dbType         string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dvsync",
		Short: "Dataverse OData to SQL sync engine",
	}

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(validateSchemaCmd())
	rootCmd.AddCommand(generateOptionSetConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func syncCmd() *cobra.Command {
	flags := &syncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull configured entities from Dataverse into the local store",
		Long: `Sync connects to a Dataverse environment, compares the local schema against
the live $metadata document, and pulls every configured entity into a SCD2-versioned
local store.

Examples:
  dvsync sync --entities-config entities.json
  dvsync sync --entities-config entities.json --optionsets-config optionsets.json --verify`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSync(flags)
		},
	}

	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "Path to an env file (overrides .env and process env)")
	cmd.Flags().StringVar(&flags.entitiesConfig, "entities-config", "", "Path to the entities configuration JSON file (required)")
	cmd.Flags().StringVar(&flags.optionsetsConfig, "optionsets-config", "", "Path to the option-set overrides JSON file")
	cmd.Flags().BoolVar(&flags.verify, "verify", false, "Run reference verification (dangling FK detection) after sync")
	cmd.Flags().IntVar(&flags.maxConcurrency, "max-concurrency", 0, "Bound on concurrent HTTP requests (defaults to 50)")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Path to a rotated log file (stdout logging always happens)")

	return cmd
}

func runSync(flags *syncFlags) error {
	if flags.entitiesConfig == "" {
		return fmt.Errorf("--entities-config is required")
	}

	log := newLogger(flags.logFile)
	defer func() { _ = log.Sync() }()

	settings, err := config.LoadSettings(flags.envFile)
	if err != nil {
		return err
	}
	entities, err := config.LoadEntityConfigs(flags.entitiesConfig)
	if err != nil {
		return err
	}
	overrides, err := loadOptionSetOverrides(flags.optionsetsConfig)
	if err != nil {
		return err
	}

	dbType, err := settings.DBType()
	if err != nil {
		return err
	}
	backend, err := backendFor(dbType)
	if err != nil {
		return err
	}

	provider := auth.New(settings.APIURL, auth.Credentials{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		Scope:        settings.Scope,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	result, err := orchestrator.Run(ctx, orchestrator.Config{
		APIURL:             settings.APIURL,
		Auth:               provider,
		MaxConcurrency:     flags.maxConcurrency,
		DSN:                settings.DSN(),
		Backend:            backend,
		Entities:           entities,
		OptionSetOverrides: overrides,
		VerifyReferences:   flags.verify,
		Log:                log,
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("added %d, updated %d\n", result.Added, result.Updated)
	for _, failed := range result.FailedEntities {
		fmt.Printf("entity %s failed: %s\n", failed.Name, syncerr.Preview(failed.Err, 100))
	}
	if result.ReferenceIssues.HasIssues() {
		fmt.Print(result.ReferenceIssues.Render())
	}

	if !result.Success {
		return fmt.Errorf("sync completed with failures")
	}
	return nil
}

func validateSchemaCmd() *cobra.Command {
	flags := &validateSchemaFlags{}
	cmd := &cobra.Command{
		Use:   "validate-schema",
		Short: "Compare the local store's schema against Dataverse's $metadata",
		Long: `ValidateSchema reports every discrepancy between the projected schema parsed
from $metadata and the schema observed in the local store, without writing any data.

Examples:
  dvsync validate-schema --entities-config entities.json --db-type sqlite
  dvsync validate-schema --entities-config entities.json --db-type postgresql --json-report report.json`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runValidateSchema(flags)
		},
	}

	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "Path to an env file (overrides .env and process env)")
	cmd.Flags().StringVar(&flags.entitiesConfig, "entities-config", "", "Path to the entities configuration JSON file (required)")
	cmd.Flags().StringVar(&flags.dbType, "db-type", "", "Database backend to validate against: sqlite or postgresql (defaults to the configured store)")
	cmd.Flags().StringVar(&flags.jsonReport, "json-report", "", "Write the validation report as JSON to this path")
	cmd.Flags().StringVar(&flags.mdReport, "md-report", "", "Write the validation report as Markdown to this path")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Path to a rotated log file (stdout logging always happens)")

	return cmd
}

func runValidateSchema(flags *validateSchemaFlags) error {
	if flags.entitiesConfig == "" {
		return fmt.Errorf("--entities-config is required")
	}

	log := newLogger(flags.logFile)
	defer func() { _ = log.Sync() }()

	settings, err := config.LoadSettings(flags.envFile)
	if err != nil {
		return err
	}
	entities, err := config.LoadEntityConfigs(flags.entitiesConfig)
	if err != nil {
		return err
	}

	dbType := flags.dbType
	if dbType == "" {
		dbType, err = settings.DBType()
		if err != nil {
			return err
		}
	} else {
		dbType, err = config.ResolveDBTypeFlag(dbType)
		if err != nil {
			return err
		}
	}
	backend, err := backendFor(dbType)
	if err != nil {
		return err
	}

	provider := auth.New(settings.APIURL, auth.Credentials{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		Scope:        settings.Scope,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := orchestrator.Run(ctx, orchestrator.Config{
		APIURL:       settings.APIURL,
		Auth:         provider,
		DSN:          settings.DSN(),
		Backend:      backend,
		Entities:     entities,
		ValidateOnly: true,
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("validate-schema failed: %w", err)
	}

	if err := writeReport(result.ValidationErrors, flags.jsonReport, flags.mdReport); err != nil {
		return err
	}

	if schemadiff.HasErrors(result.ValidationErrors) {
		return fmt.Errorf("schema validation found error-level discrepancies")
	}
	return nil
}

func generateOptionSetConfigCmd() *cobra.Command {
	flags := &generateOptionSetFlags{}
	cmd := &cobra.Command{
		Use:   "generate-optionset-config",
		Short: "Recover which entities own which option-set fields from the local store",
		Long: `GenerateOptionSetConfig scans the local store's _optionset_* lookup tables and,
for each configured entity, reports which option-set fields it actually carries,
either as an integer column or as a junction table. The result is the JSON shape
expected by --optionsets-config.

Examples:
  dvsync generate-optionset-config --entities-config entities.json --db sqlite`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGenerateOptionSetConfig(flags)
		},
	}

	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "Path to an env file (overrides .env and process env)")
	cmd.Flags().StringVar(&flags.entitiesConfig, "entities-config", "", "Path to the entities configuration JSON file (required)")
	cmd.Flags().StringVar(&flags.dbType, "db", "", "Database backend to scan: sqlite or postgresql (defaults to the configured store)")

	return cmd
}

func runGenerateOptionSetConfig(flags *generateOptionSetFlags) error {
	if flags.entitiesConfig == "" {
		return fmt.Errorf("--entities-config is required")
	}

	settings, err := config.LoadSettings(flags.envFile)
	if err != nil {
		return err
	}
	entities, err := config.LoadEntityConfigs(flags.entitiesConfig)
	if err != nil {
		return err
	}

	dbType := flags.dbType
	if dbType == "" {
		dbType, err = settings.DBType()
		if err != nil {
			return err
		}
	} else {
		dbType, err = config.ResolveDBTypeFlag(dbType)
		if err != nil {
			return err
		}
	}
	backend, err := backendFor(dbType)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := storage.Open(ctx, settings.DSN(), backend, nil)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	fieldMap, err := optionset.GenerateEntityFieldMap(ctx, store, entities)
	if err != nil {
		return fmt.Errorf("failed to generate option-set config: %w", err)
	}

	return writeOptionSetConfig(fieldMap)
}

func backendFor(dbType string) (storage.Backend, error) {
	switch dbType {
	case "sqlite":
		return sqlite.New(), nil
	case "postgresql":
		return postgres.New(), nil
	default:
		return nil, fmt.Errorf("unsupported db type %q", dbType)
	}
}

func loadOptionSetOverrides(path string) (map[string][]string, error) {
	if path == "" {
		return nil, nil
	}
	return config.LoadOptionSetOverrides(path)
}

func writeReport(diffs []schemadiff.SchemaDifference, jsonPath, mdPath string) error {
	if jsonPath != "" {
		f, err := os.Create(jsonPath)
		if err != nil {
			return fmt.Errorf("failed to create json report %s: %w", jsonPath, err)
		}
		defer func() { _ = f.Close() }()
		if err := report.WriteJSON(f, diffs); err != nil {
			return fmt.Errorf("failed to write json report: %w", err)
		}
	}
	if mdPath != "" {
		f, err := os.Create(mdPath)
		if err != nil {
			return fmt.Errorf("failed to create markdown report %s: %w", mdPath, err)
		}
		defer func() { _ = f.Close() }()
		if err := report.WriteMarkdown(f, diffs); err != nil {
			return fmt.Errorf("failed to write markdown report: %w", err)
		}
	}
	if jsonPath == "" && mdPath == "" {
		return report.WriteMarkdown(os.Stdout, diffs)
	}
	return nil
}

func writeOptionSetConfig(fieldMap map[string][]string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(fieldMap)
}
