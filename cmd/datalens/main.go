package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"datalens/internal/dataset"
	"datalens/internal/metrics"
	"datalens/internal/metrics/datadog"
	"datalens/internal/parser/csvtable"
	"datalens/internal/parser/htmltable"
	"datalens/internal/parser/jsontable"
	"datalens/internal/pipeline"
	"datalens/internal/signature"
	"datalens/internal/storage"

	// register all backends with the storage factory.
	_ "datalens/internal/storage/all"
)

// inputList collects repeated -input flags.
type inputList []string

func (l *inputList) String() string { return strings.Join(*l, ",") }

func (l *inputList) Set(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("empty input path")
	}
	*l = append(*l, v)
	return nil
}

// main loads the uploaded tables, runs the inference pipeline, prints a
// human-readable report, and optionally persists the run.
func main() {
	var (
		inputs            inputList
		domainFlg         string
		signaturesFlg     string
		storageKindFlg    string
		dsnFlg            string
		metricsBackendFlg string
	)

	flag.Var(&inputs, "input", "table file to analyze (.csv, .json, .html); repeatable")
	flag.StringVar(&domainFlg, "domain", "", "skip detection and use this domain")
	flag.StringVar(&signaturesFlg, "signatures", "", "signature library YAML path (default: built-in)")
	flag.StringVar(&storageKindFlg, "storage-kind", "", "storage backend (sqlite, postgres, mssql); empty disables persistence")
	flag.StringVar(&dsnFlg, "dsn", "", "storage DSN (overrides env DATALENS_DSN)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (datadog, none)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	if len(inputs) == 0 {
		fatalf("at least one -input is required")
	}

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	logf := func(format string, v ...any) {
		if logger != nil {
			logger.Printf(format, v...)
		}
	}

	lib := signature.Load(signaturesFlg, logf)

	// Decide metrics backend: flag → env → default (disabled).
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "datadog":
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: "datalens",
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}
	case "", "none":
		// metrics disabled; nop backend remains
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx := context.Background()

	tables := make([]dataset.Table, 0, len(inputs))
	for _, path := range inputs {
		t, err := loadTable(path, logf)
		if err != nil {
			fatalf("load %s: %v", path, err)
		}
		logf("stage=load table=%s columns=%d rows=%d", t.Name, len(t.Columns), len(t.Rows))
		tables = append(tables, t)
	}

	var repo storage.Repository
	if storageKindFlg != "" {
		dsn := dsnFlg
		if dsn == "" {
			dsn = os.Getenv("DATALENS_DSN")
		}
		var err error
		repo, err = storage.New(ctx, storage.Config{Kind: storageKindFlg, DSN: dsn})
		if err != nil {
			fatalf("storage: %v", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			fatalf("storage: %v", err)
		}
	}

	runner := pipeline.Runner{Library: lib, Repo: repo}
	if logger != nil {
		runner.Logger = logger
	}

	start := time.Now()
	res, err := runner.Run(ctx, tables, pipeline.Options{DomainOverride: domainFlg})
	if err != nil {
		log.Fatalf("%v", err)
	}

	printReport(os.Stdout, res)

	if *verbose {
		logf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}

// loadTable picks a parser by file extension. The table name is the file
// base name without extension, normalized.
func loadTable(path string, logf func(format string, v ...any)) (dataset.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataset.Table{}, err
	}
	defer f.Close()

	name := dataset.Normalize(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return csvtable.Parse(f, name, func(line int, err error) {
			logf("stage=load table=%s line=%d skipped: %v", name, line, err)
		})
	case ".json", ".ndjson":
		return jsontable.Parse(f, name, func(err error) {
			logf("stage=load table=%s skipped: %v", name, err)
		})
	case ".html", ".htm":
		return htmltable.Parse(f, name)
	default:
		return dataset.Table{}, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// printReport renders the run for a human: detection with its breakdown,
// relationships with match rates, and the ranked KPI list with reasons.
func printReport(w io.Writer, res pipeline.Result) {
	det := res.Detection
	fmt.Fprintf(w, "run %s\n\n", res.RunID)

	fmt.Fprintf(w, "domain: %s (confidence %.1f, %s)\n", det.Domain, det.Confidence, det.Tier)
	b := det.Top.Breakdown
	fmt.Fprintf(w, "  score breakdown: primary=%d secondary=%d keywords=%d data_bonus=%d\n",
		b.Primary, b.Secondary, b.Keywords, b.DataBonus)
	if len(det.Alternatives) > 0 {
		fmt.Fprintf(w, "  alternatives:")
		for _, alt := range det.Alternatives {
			fmt.Fprintf(w, " %s(%d)", alt.Domain, alt.Total)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nrelationships: %d\n", len(res.Relationships))
	for _, rel := range res.Relationships {
		fmt.Fprintf(w, "  %s.%s -> %s.%s (match %.0f%%)\n",
			rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn, rel.MatchRate*100)
	}

	fmt.Fprintf(w, "\nflat view: %d columns, %d rows\n", len(res.Flat.Columns), len(res.Flat.Rows))

	fmt.Fprintf(w, "\nfeasible KPIs: %d\n", len(res.Kpis.Feasible))
	for _, ev := range res.Kpis.Feasible {
		fmt.Fprintf(w, "  %d. %s (score %.2f, completeness %.0f%%)\n",
			ev.Rank, ev.Definition.Name, ev.Score, ev.Completeness*100)
	}
	if len(res.Kpis.Infeasible) > 0 {
		fmt.Fprintf(w, "\nnot feasible: %d\n", len(res.Kpis.Infeasible))
		for _, ev := range res.Kpis.Infeasible {
			fmt.Fprintf(w, "  %s: %s\n", ev.Definition.Name, ev.Reason)
		}
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
