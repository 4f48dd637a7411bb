package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/api"
	"github.com/adya9/web-whisper/config"
	"github.com/adya9/web-whisper/database"
	"github.com/adya9/web-whisper/embeddings"
	"github.com/adya9/web-whisper/index"
	"github.com/adya9/web-whisper/ingestion"
	"github.com/adya9/web-whisper/llm"
	"github.com/adya9/web-whisper/logging"
	"github.com/adya9/web-whisper/retrieval"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "sources":
		sourcesCmd(cfg, logger)
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Errorf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger *logrus.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.Server.Addr, "listen address")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := openIndex(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer idx.Close(context.Background())

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	retriever := retrieval.NewService(idx, embedder, buildLLM(cfg, logger), retrievalOptions(cfg), logger)
	ingestor := ingestion.NewService(idx, embedder, logger)
	server := api.New(cfg, retriever, ingestor, idx, logger)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    *addr,
			"backend": cfg.Index.Backend,
		}).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown http server: %v", err)
	}
	logger.Info("server stopped")
}

func ingestCmd(cfg config.Config, logger *logrus.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	url := flags.String("url", "", "source url for the page (required)")
	file := flags.String("file", "", "path to the crawled page content (required)")
	title := flags.String("title", "", "page title")
	description := flags.String("description", "", "page description")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	if strings.TrimSpace(*url) == "" || strings.TrimSpace(*file) == "" {
		logger.Fatal("ingest requires -url and -file")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatalf("read %s: %v", *file, err)
	}

	page := ingestion.Page{
		URL:         *url,
		Title:       *title,
		Description: *description,
	}
	if strings.EqualFold(filepath.Ext(*file), ".pdf") {
		page.ContentType = "application/pdf"
		page.Data = data
	} else {
		page.Text = string(data)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := openIndex(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer idx.Close(context.Background())

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	svc := ingestion.NewService(idx, embedder, logger)
	stats, err := svc.Ingest(ctx, page)
	if err != nil {
		logger.Fatalf("ingest %s: %v", *url, err)
	}

	logger.WithFields(logrus.Fields{
		"url":    stats.URL,
		"chunks": stats.Chunks,
	}).Info("page ingested")
}

func askCmd(cfg config.Config, logger *logrus.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := openIndex(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer idx.Close(context.Background())

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	retriever := retrieval.NewService(idx, embedder, buildLLM(cfg, logger), retrievalOptions(cfg), logger)

	resp, err := retriever.AskStream(ctx, *question, func(chunk string) error {
		_, err := fmt.Print(chunk)
		return err
	})
	if err != nil {
		logger.Fatalf("ask failed: %v", err)
	}
	fmt.Println()

	if len(resp.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, src := range resp.Sources {
			fmt.Printf("%d. %s (%s) similarity %.2f\n", i+1, src.Title, src.URL, src.Similarity)
		}
		if resp.Fallback {
			fmt.Println("Note: no source cleared the similarity threshold; these are the closest matches.")
		}
	}
}

func sourcesCmd(cfg config.Config, logger *logrus.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := openIndex(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer idx.Close(context.Background())

	sources, err := idx.ListSources(ctx)
	if err != nil {
		logger.Fatalf("list sources: %v", err)
	}

	if len(sources) == 0 {
		fmt.Println("no sources indexed")
		return
	}
	for _, src := range sources {
		fmt.Printf("%s\n  title: %s\n  chunks: %d\n  crawled: %s\n", src.URL, src.Title, src.Chunks, src.CrawledAt.Format(time.RFC3339))
	}
}

func clearCmd(cfg config.Config, logger *logrus.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete every indexed source. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Info("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Info("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := openIndex(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer idx.Close(context.Background())

	sources, err := idx.ListSources(ctx)
	if err != nil {
		logger.Fatalf("list sources: %v", err)
	}
	for _, src := range sources {
		if err := idx.DeleteSource(ctx, src.URL); err != nil {
			logger.Fatalf("delete %s: %v", src.URL, err)
		}
	}

	logger.WithField("sources", len(sources)).Info("index cleared")
}

func openIndex(ctx context.Context, cfg config.Config, logger *logrus.Logger) (index.Index, error) {
	idx, err := index.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := idx.Init(ctx); err != nil {
		_ = idx.Close(ctx)
		return nil, fmt.Errorf("initialize %s index: %w", cfg.Index.Backend, err)
	}
	return idx, nil
}

// buildEmbedder wires the provider behind its circuit breaker and, when
// Redis is configured, a read-through query cache. An unreachable cache is a
// warning, not a failure.
func buildEmbedder(ctx context.Context, cfg config.Config, logger *logrus.Logger) (embeddings.Embedder, error) {
	embedder, err := embeddings.NewEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr == "" {
		return embedder, nil
	}
	client, err := database.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithError(err).Warn("embedding cache disabled: redis unreachable")
		return embedder, nil
	}
	return embeddings.NewCachedEmbedder(embedder, client, cfg.Embeddings.CacheTTL, logger), nil
}

// buildLLM returns nil when no generator is available; retrieval then falls
// back to extractive answers.
func buildLLM(cfg config.Config, logger *logrus.Logger) llm.Client {
	client, err := llm.NewClient(cfg)
	if err != nil {
		logger.WithError(err).Warn("answer generation disabled")
		return nil
	}
	return client
}

func retrievalOptions(cfg config.Config) retrieval.Options {
	return retrieval.Options{
		Threshold:      cfg.Retrieval.SimilarityThreshold,
		TopK:           cfg.Retrieval.TopK,
		NameTopK:       cfg.Retrieval.NameTopK,
		MaxSources:     cfg.Retrieval.MaxSources,
		NameMaxSources: cfg.Retrieval.NameMaxSources,
	}
}

func printUsage() {
	fmt.Println("Usage: web-whisper <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the HTTP API for the crawler and chat front-end")
	fmt.Println("  ingest   Chunk, embed, and index one crawled page (use -url and -file)")
	fmt.Println("  ask      Ask a question against the indexed pages")
	fmt.Println("  sources  List indexed sources")
	fmt.Println("  clear    Delete every indexed source")
}
