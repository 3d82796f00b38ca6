package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/callbridge/pkg/callbridge"
	"github.com/harunnryd/callbridge/pkg/knowledge"
	"github.com/harunnryd/callbridge/pkg/logging"
)

func main() {
	configPath := flag.String("config", "examples/restaurant/config.yaml", "")
	dir := flag.String("dir", "", "directory of .md/.txt menus; defaults to knowledge.source_dir")
	query := flag.String("query", "", "run a search after ingesting")
	limit := flag.Int("limit", 3, "")
	flag.Parse()

	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	log := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), "text")
	store, err := knowledge.Open(knowledge.Options{
		Dir:      cfg.Knowledge.Dir,
		InMemory: cfg.Knowledge.InMemory,
		Logger:   log,
	})
	if err != nil {
		fmt.Println("open error:", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	src := *dir
	if src == "" {
		src = cfg.Knowledge.SourceDir
	}
	if strings.TrimSpace(src) == "" {
		fmt.Println("no source dir: pass -dir or set knowledge.source_dir")
		os.Exit(1)
	}
	ctx := context.Background()
	n, err := store.IngestDir(ctx, src)
	if err != nil {
		fmt.Println("ingest error:", err)
		os.Exit(1)
	}
	sources, err := store.Sources()
	if err != nil {
		fmt.Println("sources error:", err)
		os.Exit(1)
	}
	fmt.Printf("ingested %d paragraphs from %s (sources: %s)\n", n, src, strings.Join(sources, ", "))

	if *query == "" {
		return
	}
	results, err := store.Search(ctx, *query, *limit)
	if err != nil {
		fmt.Println("search error:", err)
		os.Exit(1)
	}
	for _, r := range results {
		fmt.Printf("[%s] %s\n", r.Source, r.Text)
	}
}
