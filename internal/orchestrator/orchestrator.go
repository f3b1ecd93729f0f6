// Package orchestrator composes the Type Mapper, Metadata Parser, Schema
// Comparer, Storage Manager, API Client, Option-Set Detector,
// Relationship Graph, Entity Syncer, Filtered Syncer, and Reference
// Verifier into the single run described by spec.md §4.K, grounded on
// cmd/smf/main.go's flags-struct -> helper-function -> typed-result
// composition style, generalized into a library entry point the CLI
// itself calls into.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dvsync/internal/apiclient"
	"dvsync/internal/core"
	"dvsync/internal/entitysync"
	"dvsync/internal/filteredsync"
	"dvsync/internal/metadata"
	"dvsync/internal/refverify"
	"dvsync/internal/relgraph"
	"dvsync/internal/schemadiff"
	"dvsync/internal/storage"
	"dvsync/internal/typemap"
)

// maxFilteredIterations bounds the filtered-sync convergence loop of
// spec.md §4.K step 8 / §5 ("Filtered-sync outer iterations are
// serial").
const maxFilteredIterations = 5

// Config is the inbound invocation of spec.md §6: everything needed to
// run one full sync.
type Config struct {
	APIURL             string
	Auth               apiclient.TokenSource
	MaxConcurrency     int
	DSN                string
	Backend            storage.Backend
	Entities           []core.EntityConfig
	OptionSetOverrides map[string][]string
	VerifyReferences   bool
	// ValidateOnly restricts Run to metadata fetch + schema comparison
	// (spec.md §6 "validate-schema — schema-only comparison"): it
	// returns right after step 4, before any entity table is created or
	// any entity data is pulled (the _sync_state and _sync_log tables are
	// ensured before step 3).
	ValidateOnly bool
	Log          *zap.Logger
}

// FailedEntity records one entity's sync failure, isolated from the rest
// of the run (spec.md §5: "Per-entity failure is recoverable").
type FailedEntity struct {
	Name string
	Err  error
}

// Result is the outcome object of spec.md §4.K step 10.
type Result struct {
	Success          bool
	Added            int
	Updated          int
	FailedEntities   []FailedEntity
	ReferenceIssues  refverify.Report
	ValidationErrors []schemadiff.SchemaDifference
}

// Run executes the ten-step sequence of spec.md §4.K.
func Run(ctx context.Context, cfg Config) (Result, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	// 1. Acquire a token up front so credential failures surface before
	// any storage or metadata work begins.
	if cfg.Auth != nil {
		if _, err := cfg.Auth.Token(ctx); err != nil {
			return Result{}, fmt.Errorf("orchestrator: acquire token: %w", err)
		}
	}

	// 2. Open API Client and Storage Manager under scoped acquisition.
	client := apiclient.New(apiclient.Config{
		BaseURL:        cfg.APIURL,
		Auth:           cfg.Auth,
		MaxConcurrency: cfg.MaxConcurrency,
		Log:            log,
	})

	store, err := storage.Open(ctx, cfg.DSN, cfg.Backend, log)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: open storage: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn("orchestrator: close storage", zap.Error(cerr))
		}
	}()

	if err := store.EnsureSyncMetadataTables(ctx); err != nil {
		return Result{}, fmt.Errorf("orchestrator: ensure sync metadata tables: %w", err)
	}

	// 3. Fetch metadata XML, parse, filter to configured entities.
	metadataBody, err := client.GetMetadataXML(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: fetch metadata: %w", err)
	}
	defer metadataBody.Close()

	allSchemas, err := metadata.ParseCSDL(metadataBody, targetFor(cfg.Backend), cfg.OptionSetOverrides)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: parse metadata: %w", err)
	}

	configuredBySingular := make(map[string]core.EntityConfig, len(cfg.Entities))
	schemasBySingular := make(map[string]core.TableSchema, len(cfg.Entities))
	var result Result
	for _, e := range cfg.Entities {
		configuredBySingular[e.Name] = e
		schema, ok := allSchemas[e.Name]
		if !ok {
			result.FailedEntities = append(result.FailedEntities, FailedEntity{
				Name: e.ResolvedAPIName(),
				Err:  fmt.Errorf("entity %q not present in $metadata", e.Name),
			})
			continue
		}
		schemasBySingular[e.Name] = schema
	}

	// 4. Observe current storage schemas; run Schema Comparer. Errors
	// abort before any entity table or record is written.
	observed, err := store.Backend().ObserveSchema(ctx, store.DB())
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: observe schema: %w", err)
	}

	projectedByTable := make(map[string]core.TableSchema, len(schemasBySingular))
	for name, schema := range schemasBySingular {
		projectedByTable[configuredBySingular[name].ResolvedAPIName()] = schema
	}
	observedByTable := make(map[string]core.TableSchema, len(observed))
	for table, schema := range observed {
		observedByTable[table] = schemadiff.StripSystemColumns(schema)
	}

	diffs := schemadiff.Compare(projectedByTable, observedByTable)
	result.ValidationErrors = diffs
	if schemadiff.HasErrors(diffs) {
		result.Success = false
		return result, nil
	}

	if cfg.ValidateOnly {
		result.Success = len(result.FailedEntities) == 0
		return result, nil
	}

	// 5. Create tables and indexes for new entities.
	for name, schema := range schemasBySingular {
		table := configuredBySingular[name].ResolvedAPIName()
		if err := store.EnsureEntityTable(ctx, table, schema, map[string]bool{}); err != nil {
			return Result{}, fmt.Errorf("orchestrator: ensure table %s: %w", table, err)
		}
	}

	// 6. Build Relationship Graph from the same metadata.
	graph := relgraph.Build(schemasBySingular, configuredBySingular)

	// 7. Drain unfiltered entities (per-entity failure isolation).
	esyncer := entitysync.New(client, store, log)
	var unfiltered []core.EntityConfig
	filtered := make(map[string]core.EntityConfig)
	for name, ec := range configuredBySingular {
		if _, ok := schemasBySingular[name]; !ok {
			continue
		}
		if ec.Filtered {
			filtered[ec.ResolvedAPIName()] = ec
		} else {
			unfiltered = append(unfiltered, ec)
		}
	}

	for _, ec := range unfiltered {
		schema := schemasBySingular[ec.Name]
		syncResult, err := esyncer.Sync(ctx, ec, schema, time.Now())
		if err != nil {
			result.FailedEntities = append(result.FailedEntities, FailedEntity{Name: ec.ResolvedAPIName(), Err: err})
			continue
		}
		result.Added += syncResult.Added
		result.Updated += syncResult.Updated
	}

	// 8. Iterate filtered sync to convergence.
	if len(filtered) > 0 {
		fsyncer := filteredsync.New(client, store, graph, log)
		prevTotal := -1
		for iter := 0; iter < maxFilteredIterations; iter++ {
			ids, err := fsyncer.ExtractIDs(ctx, filtered)
			if err != nil {
				return Result{}, fmt.Errorf("orchestrator: extract filtered IDs: %w", err)
			}

			total := 0
			for plural, ec := range filtered {
				schema := schemasBySingular[ec.Name]
				syncResult, err := fsyncer.Sync(ctx, ec, schema, ids[plural], time.Now())
				if err != nil {
					result.FailedEntities = append(result.FailedEntities, FailedEntity{Name: plural, Err: err})
					continue
				}
				result.Added += syncResult.Added
				result.Updated += syncResult.Updated
				total += len(ids[plural])
			}
			if total == prevTotal {
				break
			}
			prevTotal = total
		}
	}

	// 9. Optionally run Reference Verifier.
	if cfg.VerifyReferences {
		verifier := refverify.New(store, log)
		refReport, err := verifier.Verify(ctx, schemasBySingular, configuredBySingular)
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: verify references: %w", err)
		}
		result.ReferenceIssues = refReport
	}

	// 10. Return the result object.
	result.Success = len(result.FailedEntities) == 0 && !result.ReferenceIssues.HasIssues()
	return result, nil
}

func targetFor(backend storage.Backend) typemap.Target {
	if backend != nil && backend.Name() == "postgresql" {
		return typemap.TargetPostgres
	}
	return typemap.TargetSQLite
}
