// Package main is the entry point for bucketdesk-history, the upload-history
// export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bucketdesk/bucketdesk/internal/config"
	"github.com/bucketdesk/bucketdesk/internal/history"
)

const usage = "Usage: bucketdesk-history <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// openStore loads the config and opens its history engine. A non-empty
// dbPath selects a SQLite file regardless of the configured engine.
func openStore(ctx context.Context, configPath, dbPath string) (history.Store, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if dbPath == "" {
			return nil, "", err
		}
		cfg = config.Default()
	}
	hc := cfg.History
	if dbPath != "" {
		hc.Engine = "sqlite"
		hc.SQLite.Path = dbPath
	}
	source := hc.Engine
	switch hc.Engine {
	case "sqlite":
		source = hc.SQLite.Path
	case "dynamodb":
		source = hc.DynamoDB.Table
	}
	s, err := history.Open(ctx, hc)
	return s, source, err
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bucketdesk.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	providerID := fs.String("provider", "", "Only export records of this provider id")
	bucket := fs.String("bucket", "", "Only export records of this bucket")
	status := fs.String("status", "", "Only export records with this status")
	fs.Parse(args)

	if *status != "" && !history.Status(*status).Valid() {
		fmt.Fprintf(os.Stderr, "Error: invalid status: %s\n", *status)
		return 1
	}

	ctx := context.Background()
	store, source, err := openStore(ctx, *configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
		return 1
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	err = history.Export(ctx, store, w, &history.ExportOptions{
		Source: source,
		Filter: history.Filter{
			ProviderID: *providerID,
			Bucket:     *bucket,
			Status:     history.Status(*status),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}
	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bucketdesk.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (delete every record, then import)")
	fs.Parse(args)

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return 1
		}
		defer f.Close()
		r = f
	}

	ctx := context.Background()
	store, _, err := openStore(ctx, *configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
		return 1
	}
	defer store.Close()

	result, err := history.Import(ctx, store, r, &history.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  upload_history: %d imported", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
