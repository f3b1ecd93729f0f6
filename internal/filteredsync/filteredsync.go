// Package filteredsync is the Filtered Syncer of spec.md §4.I: entities
// marked filtered=true are synced only for IDs transitively referenced
// from already-synced data, discovered by walking the Relationship
// Graph to a fixpoint.
package filteredsync

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dvsync/internal/apiclient"
	"dvsync/internal/core"
	"dvsync/internal/entitysync"
	"dvsync/internal/pkresolve"
	"dvsync/internal/relgraph"
	"dvsync/internal/storage"
	"dvsync/internal/syncerr"
)

// MaxExtractionIterations bounds the transitive-closure fixpoint loop
// (spec.md §4.I).
const MaxExtractionIterations = 10

// chunkSize bounds the number of IDs composed into one OR'd $filter
// clause, for URL-length safety (spec.md §4.I).
const chunkSize = 50

// Syncer drives the filtered-entity sync described in spec.md §4.I.
type Syncer struct {
	client *apiclient.Client
	store  *storage.Manager
	graph  *relgraph.Graph
	log    *zap.Logger
}

// New builds a Syncer over client, store, and the already-built
// relationship graph.
func New(client *apiclient.Client, store *storage.Manager, graph *relgraph.Graph, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{client: client, store: store, graph: graph, log: log}
}

// ExtractIDs implements the transitive-closure ID extraction of spec.md
// §4.I: for each filtered entity, pull the distinct FK values of every
// entity that references it, bounded by MaxExtractionIterations.
// filtered maps plural API name -> EntityConfig for the filtered set.
func (s *Syncer) ExtractIDs(ctx context.Context, filtered map[string]core.EntityConfig) (map[string]map[string]bool, error) {
	syncedIDs := make(map[string]map[string]bool, len(filtered))
	for plural := range filtered {
		syncedIDs[plural] = make(map[string]bool)
	}

	for iter := 0; iter < MaxExtractionIterations; iter++ {
		changed := false
		for plural := range filtered {
			for _, edge := range s.graph.EntitiesThatReference(plural) {
				values, err := s.distinctFKValues(ctx, edge.Table, edge.FKColumn)
				if err != nil {
					return nil, err
				}
				for _, v := range values {
					if !syncedIDs[plural][v] {
						syncedIDs[plural][v] = true
						changed = true
					}
				}
			}
		}
		if !changed {
			break
		}
	}

	return syncedIDs, nil
}

// distinctFKValues reads DISTINCT non-null values of table.column from
// the local store (pure, DB-read only, per spec.md §4.I).
func (s *Syncer) distinctFKValues(ctx context.Context, table, column string) ([]string, error) {
	exists, err := s.store.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	q := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL AND valid_to IS NULL",
		quoteCol(s.store, column), quoteCol(s.store, table), quoteCol(s.store, column))
	rows, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filteredsync: distinct %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func quoteCol(store *storage.Manager, name string) string {
	return store.Backend().QuoteIdent(name)
}

// Sync performs the batched fetch of spec.md §4.I for one filtered
// entity given the set of business-key IDs to sync.
func (s *Syncer) Sync(ctx context.Context, cfg core.EntityConfig, schema core.TableSchema, ids map[string]bool, now time.Time) (entitysync.Result, error) {
	table := cfg.ResolvedAPIName()
	entityLog := s.log.With(zap.String("entity", table))
	logID, err := s.store.BeginSyncLog(ctx, table, now)
	if err != nil {
		return entitysync.Result{}, err
	}

	effectivePK, err := pkresolve.Resolve(schema)
	if err != nil {
		_ = s.store.FinishSyncLog(ctx, logID, time.Now(), 0, 0, storage.SyncLogFailed, syncerr.Preview(err, 100))
		return entitysync.Result{}, err
	}

	priorState, hasPrior, err := s.store.ReadSyncState(ctx, table)
	if err != nil {
		_ = s.store.FinishSyncLog(ctx, logID, time.Now(), 0, 0, storage.SyncLogFailed, syncerr.Preview(err, 100))
		return entitysync.Result{}, err
	}

	newIDs, existingIDs, err := s.partitionIDs(ctx, table, effectivePK, ids, hasPrior && priorState.LastTimestamp != "")
	if err != nil {
		_ = s.store.FinishSyncLog(ctx, logID, time.Now(), 0, 0, storage.SyncLogFailed, syncerr.Preview(err, 100))
		return entitysync.Result{}, err
	}

	result := entitysync.Result{Entity: table}
	maxModified := priorState.LastTimestamp

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	accumulate := func(added, updated int, maxMod string) {
		mu.Lock()
		defer mu.Unlock()
		result.Added += added
		result.Updated += updated
		if maxMod > maxModified {
			maxModified = maxMod
		}
	}

	for _, chunk := range chunksOf(newIDs, chunkSize) {
		chunk := chunk
		g.Go(func() error {
			filter := idFilter(effectivePK, chunk)
			added, updated, maxMod, err := s.fetchAndCommit(gctx, table, schema, effectivePK, filter, now)
			if err != nil {
				return err
			}
			accumulate(added, updated, maxMod)
			return nil
		})
	}

	if hasPrior && priorState.LastTimestamp != "" && schema.HasColumn("modifiedon") {
		for _, chunk := range chunksOf(existingIDs, chunkSize) {
			chunk := chunk
			g.Go(func() error {
				filter := "(" + idFilter(effectivePK, chunk) + ")" + fmt.Sprintf(" and modifiedon gt %s", priorState.LastTimestamp)
				added, updated, maxMod, err := s.fetchAndCommit(gctx, table, schema, effectivePK, filter, now)
				if err != nil {
					return err
				}
				accumulate(added, updated, maxMod)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		_ = s.store.FinishSyncLog(ctx, logID, time.Now(), result.Added, result.Updated, storage.SyncLogFailed, syncerr.Preview(err, 100))
		entityLog.Warn("filtered entity sync failed", zap.Error(err))
		return result, err
	}

	if err := s.store.UpsertSyncState(ctx, storage.SyncState{
		EntityName:    table,
		State:         "completed",
		LastSyncTime:  now.Format(time.RFC3339),
		LastTimestamp: maxModified,
		RecordsCount:  result.Added + result.Updated,
	}); err != nil {
		_ = s.store.FinishSyncLog(ctx, logID, time.Now(), result.Added, result.Updated, storage.SyncLogFailed, syncerr.Preview(err, 100))
		return result, err
	}

	if err := s.store.FinishSyncLog(ctx, logID, time.Now(), result.Added, result.Updated, storage.SyncLogCompleted, ""); err != nil {
		return result, err
	}

	entityLog.Info("filtered entity sync completed", zap.Int("added", result.Added), zap.Int("updated", result.Updated))
	return result, nil
}

func (s *Syncer) fetchAndCommit(ctx context.Context, table string, schema core.TableSchema, effectivePK, filter string, now time.Time) (added, updated int, maxModified string, err error) {
	query := fmt.Sprintf("%s?$filter=%s", table, url.QueryEscape(filter))
	page, err := s.client.FetchAllPages(ctx, query)
	if err != nil {
		return 0, 0, "", err
	}
	return entitysync.CommitRecords(ctx, s.store, table, schema, effectivePK, page.Records, now)
}

// partitionIDs separates ids into those not yet present in the local
// entity table (new) and those already present (existing), skipping the
// partition entirely (treating everything as new) when hasLastTimestamp
// is false (spec.md §4.I).
func (s *Syncer) partitionIDs(ctx context.Context, table, effectivePK string, ids map[string]bool, hasLastTimestamp bool) (newIDs, existingIDs []string, err error) {
	all := make([]string, 0, len(ids))
	for id := range ids {
		all = append(all, id)
	}
	sort.Strings(all)

	if !hasLastTimestamp {
		return all, nil, nil
	}

	exists, err := s.store.TableExists(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return all, nil, nil
	}

	present := make(map[string]bool, len(all))
	for _, chunk := range chunksOf(all, chunkSize) {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND valid_to IS NULL",
			quoteCol(s.store, effectivePK), quoteCol(s.store, table), sqlizeFilter(s.store, effectivePK, chunk))
		rows, err := s.store.Query(ctx, q)
		if err != nil {
			return nil, nil, fmt.Errorf("filteredsync: partition query on %s: %w", table, err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, nil, err
			}
			present[v] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, nil, err
		}
	}

	for _, id := range all {
		if present[id] {
			existingIDs = append(existingIDs, id)
		} else {
			newIDs = append(newIDs, id)
		}
	}
	return newIDs, existingIDs, nil
}

// sqlizeFilter renders a parameterless "col = 'id1' OR col = 'id2' ..."
// clause for the local-store partition check. IDs here are values the
// sync already pulled from Dataverse's own FK columns, not raw external
// input, so literal interpolation (mirroring idFilter's OData shape)
// is acceptable in this internal read-only query.
func sqlizeFilter(store *storage.Manager, col string, ids []string) string {
	col = quoteCol(store, col)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s = '%s'", col, strings.ReplaceAll(id, "'", "''"))
	}
	return strings.Join(parts, " OR ")
}

// idFilter composes the OData "pk eq 'id1' or pk eq 'id2' or ..." group
// (spec.md §4.I).
func idFilter(pk string, ids []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s eq '%s'", pk, strings.ReplaceAll(id, "'", "''"))
	}
	return strings.Join(parts, " or ")
}

func chunksOf(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
