package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/api"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/app"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/config"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/recommend"
)

var version = "dev"

const usage = `usage: smart-librarian <command> [flags]

commands:
  serve   run the HTTP service
  ask     ask for recommendations interactively (type quit or exit to leave)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(ctx, os.Args[2:])
	case "ask":
		err = ask(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "smart-librarian: %v\n", err)
		os.Exit(1)
	}
}

// setup parses the shared flags, loads configuration and configures logging.
func setup(name string, args []string) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file (overrides "+config.ConfigPathEnv+")")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *configPath != "" {
		if err := os.Setenv(config.ConfigPathEnv, *configPath); err != nil {
			return config.Config{}, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, args []string) error {
	cfg, err := setup("serve", args)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg, version, app.Providers{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.NewLogger(ctx).Warnf("shutdown_close_failed err=%v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Addr, a.Handler, cfg.Server.ShutdownTimeout)
	return a.Supervisor(server).Serve(ctx)
}

func ask(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	cfg, err := setup("ask", args)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg, version, app.Providers{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// The pool writes narration and covers into the media directory while the session runs.
	runCtx, cancel := context.WithCancel(ctx)
	done := a.Supervisor(nil).ServeBackground(runCtx)

	err = askLoop(ctx, a.Recommender, in, out, cfg.Media.Dir)
	a.Pool.Wait()
	cancel()
	<-done
	return err
}

type recommender interface {
	Recommend(ctx context.Context, query string) (recommend.Result, error)
}

func askLoop(ctx context.Context, r recommender, in io.Reader, out io.Writer, mediaDir string) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Ask for a book (quit or exit to leave).")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(query) {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		result, err := r.Recommend(ctx, query)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, result.Answer)
		if result.Title != "" {
			fmt.Fprintf(out, "  title: %s\n", result.Title)
		}
		if result.AudioURL != "" {
			fmt.Fprintf(out, "  narration: %s (under %s)\n", result.AudioURL, mediaDir)
		}
		if result.ImageURL != "" {
			fmt.Fprintf(out, "  cover: %s (under %s)\n", result.ImageURL, mediaDir)
		}
	}
}
