package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/indexing/btree"
	"github.com/sushant-115/gojodb/core/storage_engine/common"
	"github.com/sushant-115/gojodb/pkg/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage")

// session is one shell over one backing file.
type session struct {
	id     string
	cfg    config.Config
	tree   *btree.BTree[string, string]
	tracer trace.Tracer
	meter  metric.Meter
	logger *zap.Logger
}

func serializerFor(codec string) btree.KeyValueSerializer[string, string] {
	switch codec {
	case config.CodecMsgpack:
		return btree.MsgpackSerializer[string, string]()
	case config.CodecBSON:
		return btree.BSONSerializer[string, string]()
	default:
		return btree.KeyValueSerializer[string, string]{
			SerializeKey:     btree.SerializeString,
			DeserializeKey:   btree.DeserializeString,
			SerializeValue:   btree.SerializeString,
			DeserializeValue: btree.DeserializeString,
		}
	}
}

func newSession(cfg config.Config, logger *zap.Logger, tracer trace.Tracer, meter metric.Meter) (*session, error) {
	id := uuid.New().String()
	s := &session{
		id:     id,
		cfg:    cfg,
		tracer: tracer,
		meter:  meter,
		logger: logger.With(zap.String("session_id", id)),
	}
	if err := s.openTree(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) openTree() error {
	opts := []btree.Option{btree.WithLogger(s.logger), btree.WithMeter(s.meter)}
	if s.cfg.Tree.EagerLoad {
		opts = append(opts, btree.WithEagerLoad())
	}
	tree, err := btree.OpenOrCreate(s.cfg.Tree.Path, s.cfg.Tree.Degree, btree.DefaultKeyOrder[string], serializerFor(s.cfg.Tree.Codec), opts...)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.Tree.Path, err)
	}
	s.tree = tree
	s.logger.Info("Session started",
		zap.String("path", s.cfg.Tree.Path),
		zap.Int("degree", tree.Degree()),
		zap.String("codec", s.cfg.Tree.Codec))
	return nil
}

func (s *session) close() error {
	if s.tree == nil {
		return nil
	}
	err := s.tree.Close()
	s.tree = nil
	return err
}

// execute runs one command line. It reports whether the shell should exit.
func (s *session) execute(ctx context.Context, args []string, out io.Writer) (quit bool, err error) {
	if len(args) == 0 {
		return false, nil
	}
	command := strings.ToLower(args[0])

	ctx, span := s.tracer.Start(ctx, "cli."+command, trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("args", len(args)-1),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	s.logger.Debug("Executing command", zap.String("command", command), zap.Int("args", len(args)-1))

	if s.tree == nil && command != "exit" && command != "quit" && command != "help" {
		return false, errors.New("no tree is open")
	}

	switch command {
	case "put":
		if len(args) < 3 {
			return false, fmt.Errorf("%w: put <key> <value>", errUsage)
		}
		if err := s.tree.Insert(args[1], strings.Join(args[2:], " ")); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")

	case "get":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: get <key>", errUsage)
		}
		v, ok, err := s.tree.Search(args[1])
		if err != nil {
			return false, err
		}
		if !ok {
			fmt.Fprintln(out, "(not found)")
		} else {
			fmt.Fprintln(out, v)
		}

	case "del", "delete":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: del <key>", errUsage)
		}
		if err := s.tree.Delete(args[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")

	case "min", "max":
		edge := s.tree.Min
		if command == "max" {
			edge = s.tree.Max
		}
		k, v, err := edge()
		if errors.Is(err, btree.ErrEmptyTree) {
			fmt.Fprintln(out, "(empty)")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s = %s\n", k, v)

	case "scan":
		limit := -1
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil || limit < 0 {
				return false, fmt.Errorf("%w: scan [limit]", errUsage)
			}
		}
		n := 0
		err := s.tree.InOrder(func(k, v string) bool {
			if n == limit {
				return false
			}
			fmt.Fprintf(out, "%s = %s\n", k, v)
			n++
			return true
		})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "(%d entries)\n", n)

	case "len":
		n, err := s.tree.Len()
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, n)

	case "dump":
		fmt.Fprint(out, s.tree.String())

	case "check":
		if err := s.tree.CheckInvariants(); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")

	case "save":
		if err := s.tree.Save(); err != nil && !errors.Is(err, btree.ErrEmptyTree) {
			return false, err
		}
		fmt.Fprintln(out, "OK")

	case "stats":
		st := s.tree.Stats()
		fmt.Fprintf(out, "degree:       %d\n", s.tree.Degree())
		fmt.Fprintf(out, "root page:    %d\n", s.tree.RootPageID())
		fmt.Fprintf(out, "total nodes:  %d\n", s.tree.TotalNodes())
		fmt.Fprintf(out, "page reads:   %d\n", st.PageReads)
		fmt.Fprintf(out, "page writes:  %d\n", st.PageWrites)
		fmt.Fprintf(out, "allocations:  %d (%d reused)\n", st.Allocations, st.Reuses)
		fmt.Fprintf(out, "frees:        %d\n", st.Frees)
		fmt.Fprintf(out, "free cache:   %d\n", st.FreeListLen)

	case "backup":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: backup <destination>", errUsage)
		}
		sum, err := s.backup(ctx, args[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "backup written to %s (sha256 %x)\n", args[1], sum)

	case "help":
		fmt.Fprint(out, helpText)

	case "exit", "quit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
	return false, nil
}

// backup closes the tree so the file is quiescent, copies it and reopens it.
func (s *session) backup(ctx context.Context, dst string) ([]byte, error) {
	if err := s.close(); err != nil {
		return nil, fmt.Errorf("failed to close tree for backup: %w", err)
	}
	sum, copyErr := common.CopyThrottled(ctx, s.cfg.Tree.Path, dst, s.cfg.Backup.RateBytesPerSec, s.cfg.Backup.Verify)
	if err := s.openTree(); err != nil {
		return nil, errors.Join(copyErr, err)
	}
	if copyErr != nil {
		return nil, fmt.Errorf("backup to %s failed: %w", dst, copyErr)
	}
	s.logger.Info("Backup written", zap.String("destination", dst), zap.String("sha256", fmt.Sprintf("%x", sum)))
	return sum, nil
}

const helpText = `Commands:
  put <key> <value>     insert or update a key
  get <key>             look up a key
  del <key>             delete a key
  min | max             smallest or largest entry
  scan [limit]          entries in key order
  len                   number of keys
  dump                  print every node
  check                 verify the tree's structure
  save                  rewrite every loaded node and sync
  stats                 page counters
  backup <destination>  copy the backing file
  help
  exit | quit
`
