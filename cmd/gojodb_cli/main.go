package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojodb/pkg/config"
	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	dbPath := flag.String("db", "", "backing file (overrides tree.path)")
	degree := flag.Int("degree", 0, "minimum degree for a new file (overrides tree.degree)")
	codec := flag.String("codec", "", "element codec: string, msgpack or bson (overrides tree.codec)")
	logLevel := flag.String("log-level", "", "log level (overrides logger.level)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *dbPath != "" {
		cfg.Tree.Path = *dbPath
	}
	if *degree != 0 {
		cfg.Tree.Degree = *degree
	}
	if *codec != "" {
		cfg.Tree.Codec = *codec
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Error("Failed to initialize telemetry", zap.Error(err))
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	s, err := newSession(cfg, log.Named("cli"), tel.Tracer, tel.Meter)
	if err != nil {
		log.Error("Failed to open tree", zap.Error(err))
		return 1
	}
	defer func() {
		if err := s.close(); err != nil {
			log.Error("Failed to close tree", zap.Error(err))
		}
	}()

	ctx := context.Background()
	if args := flag.Args(); len(args) > 0 {
		if _, err := s.execute(ctx, args, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	if err := interactive(ctx, s); err != nil {
		log.Error("Interactive shell failed", zap.Error(err))
		return 1
	}
	return 0
}

func interactive(ctx context.Context, s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodb> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojodb_cli_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "GojoDB CLI on %s (session %s). Type 'help' for commands.\n", s.cfg.Tree.Path, s.id)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := s.execute(ctx, strings.Fields(line), rl.Stdout())
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("min"),
	readline.PcItem("max"),
	readline.PcItem("scan"),
	readline.PcItem("len"),
	readline.PcItem("dump"),
	readline.PcItem("check"),
	readline.PcItem("save"),
	readline.PcItem("stats"),
	readline.PcItem("backup"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)
