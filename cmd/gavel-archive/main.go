package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/jlugo63/gavel/archive"
	"github.com/jlugo63/gavel/ledger"
)

func main() {
	var dsn, outPath, fromStr, toStr string
	flag.StringVar(&dsn, "database-url", "", "ledger DATABASE_URL to read from")
	flag.StringVar(&outPath, "out", "", "output .parquet path")
	flag.StringVar(&fromStr, "from", "", "range start, RFC3339 (inclusive)")
	flag.StringVar(&toStr, "to", "", "range end, RFC3339 (exclusive)")
	flag.Parse()

	logger := log.New(log.Writer(), "gavel-archive ", log.LstdFlags|log.Lmsgprefix)

	if dsn == "" || outPath == "" || fromStr == "" || toStr == "" {
		logger.Fatal("database-url, out, from, and to are all required")
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		logger.Fatalf("parse -from: %v", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		logger.Fatalf("parse -to: %v", err)
	}

	store, err := ledger.Open(dsn)
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	written, err := archive.ExportRange(context.Background(), store, from, to, outPath)
	if err != nil {
		logger.Fatalf("export range: %v", err)
	}
	logger.Printf("wrote %d events to %s", written, outPath)
}
