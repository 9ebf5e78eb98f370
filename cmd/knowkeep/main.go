package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/knowkeep/knowkeep/internal/cluster"
	"github.com/knowkeep/knowkeep/internal/config"
	"github.com/knowkeep/knowkeep/internal/dedup"
	"github.com/knowkeep/knowkeep/internal/embedding"
	"github.com/knowkeep/knowkeep/internal/llm"
	"github.com/knowkeep/knowkeep/internal/memory"
	"github.com/knowkeep/knowkeep/internal/merge"
	"github.com/knowkeep/knowkeep/internal/orchestrate"
	"github.com/knowkeep/knowkeep/internal/rules"
	"github.com/knowkeep/knowkeep/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	stateDir := flag.String("state", "", "Override state directory")
	ingestPath := flag.String("ingest", "", "Ingest entries from a JSON-lines file ('-' for stdin)")
	bulk := flag.Bool("bulk", false, "Bulk ingest: dedup disabled, indexes rebuilt afterward")
	force := flag.Bool("force", false, "Bypass dedup checks when ingesting")
	consolidate := flag.Bool("consolidate", false, "Run the consolidation phases")
	runRules := flag.Bool("rules", false, "Run the maintenance pass (expiry, near-exact merge, backup)")
	dryRun := flag.Bool("dry-run", false, "Report what would happen without writing")
	typeFilter := flag.String("type", "", "Restrict consolidation to one entry type")
	batch := flag.Int("batch", 0, "Max clusters to process per run (0 = unlimited)")
	resume := flag.Bool("resume", false, "Resume an interrupted consolidation run")
	doRecover := flag.Bool("recover", false, "Replay an interrupted bulk ingest")
	search := flag.String("search", "", "Full-text search over active entries")
	showStats := flag.Bool("stats", false, "Print store statistics and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using environment as-is")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Database: %s", st.Path())

	// Finish any interrupted bulk ingest before touching the indexes.
	ran, err := st.RecoverBulkIngest()
	if err != nil {
		log.Fatalf("Bulk ingest recovery failed: %v", err)
	}
	if ran {
		log.Println("Recovered an interrupted bulk ingest")
	}
	if *doRecover {
		if !ran {
			log.Println("No interrupted bulk ingest found")
		}
		return
	}

	if *showStats {
		printStats(st)
		return
	}
	if *search != "" {
		runSearch(st, *search)
		return
	}

	ctx := context.Background()
	provider := embedding.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel, cfg.Ollama.EmbedDim)
	embedder := embedding.NewCache(embedding.NewBatcher(provider, 0))
	client := llm.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.GenerateModel)

	switch {
	case *ingestPath != "":
		runIngest(ctx, st, embedder, client, cfg, *ingestPath, *bulk, *force)
	case *runRules:
		runMaintenance(st, *dryRun)
	case *consolidate:
		runConsolidation(ctx, st, embedder, client, cfg, *dryRun, *typeFilter, *batch, *resume)
	default:
		flag.Usage()
	}
}

func runIngest(ctx context.Context, st *store.Store, embedder *embedding.Cache, client llm.Client, cfg *config.Config, path string, bulk, force bool) {
	entries, err := readEntries(path)
	if err != nil {
		log.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) == 0 {
		log.Println("Nothing to ingest")
		return
	}
	log.Printf("Ingesting %d entries (bulk=%v force=%v)", len(entries), bulk, force)

	engine := dedup.NewEngine(st, embedder, client)
	engine.SetThreshold(cfg.Dedup.Threshold)
	engine.SetDetector(dedup.NewDetector(st, client))
	start := time.Now()

	if bulk {
		res, err := engine.BulkIngest(ctx, entries)
		if err != nil {
			log.Fatalf("Bulk ingest failed: %v", err)
		}
		log.Printf("Done in %v: added %d, near-duplicates flagged %d", time.Since(start).Round(time.Second), res.Added, res.NearDuplicates)
		return
	}

	res, err := engine.Ingest(ctx, dedup.NewSession(), entries, force)
	if err != nil {
		log.Fatalf("Ingest failed: %v", err)
	}
	hits, misses := embedder.Stats()
	log.Printf("Done in %v:", time.Since(start).Round(time.Second))
	log.Printf("  Added: %d  Updated: %d  Skipped: %d  Superseded: %d", res.Added, res.Updated, res.Skipped, res.Superseded)
	log.Printf("  LLM dedup calls: %d  Relations created: %d", res.LLMDedupCalls, res.RelationsCreated)
	log.Printf("  Conflicts resolved: %d  flagged: %d", res.ConflictsResolved, res.ConflictsFlagged)
	log.Printf("  Embedding cache: %d hits, %d misses", hits, misses)
}

func runMaintenance(st *store.Store, dryRun bool) {
	runner := rules.NewRunner(st)
	runner.DryRun = dryRun
	stats, err := runner.Run()
	if err != nil {
		log.Fatalf("Maintenance pass failed: %v", err)
	}
	if dryRun {
		log.Printf("Dry run: would expire %d, merge %d (of %d active)", stats.Expired, stats.Merged, stats.EntriesBefore)
		return
	}
	log.Printf("Maintenance complete:")
	log.Printf("  Entries: %d -> %d (expired %d, merged %d)", stats.EntriesBefore, stats.EntriesAfter, stats.Expired, stats.Merged)
	log.Printf("  Orphan relations deleted: %d", stats.OrphanRelationsDeleted)
	log.Printf("  Backup: %s", stats.BackupPath)
}

func runConsolidation(ctx context.Context, st *store.Store, embedder *embedding.Cache, client llm.Client, cfg *config.Config, dryRun bool, typeFilter string, batch int, resume bool) {
	builder := cluster.NewBuilder(st, client)
	builder.Tight = cfg.Cluster.Tight
	builder.MaxCluster = cfg.Cluster.MaxClusterSize
	builder.IdempotencyDays = cfg.Cluster.IdempotencyDays

	merger := merge.NewEngine(st, embedder, client, cfg.ReviewQueuePath())
	merger.DryRun = dryRun

	o := orchestrate.NewOrchestrator(st, builder, merger, cfg.CheckpointPath())
	o.BatchLimit = batch
	if typeFilter != "" {
		typ := memory.EntryType(typeFilter)
		if !memory.ValidType(typ) {
			log.Fatalf("Unknown entry type %q", typeFilter)
		}
		o.TypeFilter = typ
	}

	start := time.Now()
	report, err := o.Run(ctx, resume)
	if err != nil {
		log.Fatalf("Consolidation failed: %v", err)
	}

	log.Printf("Consolidation %s in %v", completionWord(report.Partial, dryRun), time.Since(start).Round(time.Second))
	for _, p := range report.Phases {
		log.Printf("  [%s] clusters=%d processed=%d merged=%d flagged=%d llm_calls=%d",
			p.Name, p.ClustersFound, p.ClustersProcessed, p.Merged, p.Flagged, p.LLMCalls)
	}
	log.Printf("  New canonical entries: %d", len(report.NewCanonicals))
	if report.Partial {
		log.Printf("  Batch cap hit; rerun with -resume to continue")
	}
}

func completionWord(partial, dryRun bool) string {
	switch {
	case dryRun:
		return "dry run finished"
	case partial:
		return "paused"
	default:
		return "complete"
	}
}

func runSearch(st *store.Store, query string) {
	ids, err := st.SearchContent(query, 20)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}
	if len(ids) == 0 {
		log.Println("No matches")
		return
	}
	for _, id := range ids {
		e, err := st.GetEntry(id)
		if err != nil {
			log.Printf("  %s: %v", id, err)
			continue
		}
		fmt.Printf("%s [%s] %s\n  %s\n", e.ID, e.Type, e.Subject, e.Content)
	}
}

func printStats(st *store.Store) {
	stats, err := st.Stats()
	if err != nil {
		log.Fatalf("Failed to get stats: %v", err)
	}
	active, err := st.CountActive()
	if err != nil {
		log.Fatalf("Failed to count active entries: %v", err)
	}
	log.Printf("Current state:")
	log.Printf("  Active entries: %d", active)
	for _, table := range []string{"entries", "entry_sources", "relations", "conflict_log"} {
		log.Printf("  %s: %d", table, stats[table])
	}
}

// readEntries parses one JSON entry per line. Blank lines are skipped; a
// malformed line aborts the whole ingest so a typo can't half-load a file.
func readEntries(path string) ([]*memory.Entry, error) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	var entries []*memory.Entry
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e memory.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if e.Content == "" {
			return nil, fmt.Errorf("line %d: missing content", lineNo)
		}
		if e.Type != "" && !memory.ValidType(e.Type) {
			return nil, fmt.Errorf("line %d: unknown type %q", lineNo, e.Type)
		}
		if e.Expiry != "" && !memory.ValidTier(e.Expiry) {
			return nil, fmt.Errorf("line %d: unknown expiry %q", lineNo, e.Expiry)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
