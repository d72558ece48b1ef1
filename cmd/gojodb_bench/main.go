package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sushant-115/gojodb/core/indexing/btree"
	"github.com/sushant-115/gojodb/pkg/logger"
	"go.uber.org/zap"
)

type benchConfig struct {
	path    string
	degree  int
	start   int
	count   int
	workers int
}

type result struct {
	phase    string
	ops      int
	failures int
	elapsed  time.Duration
}

func (r result) String() string {
	rate := float64(r.ops) / r.elapsed.Seconds()
	return fmt.Sprintf("%-7s %6d ops  %4d failures  %10s  %10.0f ops/s", r.phase, r.ops, r.failures, r.elapsed.Round(time.Microsecond), rate)
}

// lockedTree serializes access so worker goroutines can share one tree.
type lockedTree struct {
	mu   sync.Mutex
	tree *btree.BTree[string, string]
}

func (l *lockedTree) insert(k, v string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Insert(k, v)
}

func (l *lockedTree) search(k string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Search(k)
}

func (l *lockedTree) delete(k string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Delete(k)
}

func main() {
	cfg := benchConfig{}
	flag.StringVar(&cfg.path, "db", filepath.Join(os.TempDir(), "gojodb", "bench.db"), "backing file, truncated before the run")
	flag.IntVar(&cfg.degree, "degree", 3, "minimum degree")
	flag.IntVar(&cfg.start, "start", 9000, "first key number")
	flag.IntVar(&cfg.count, "n", 2000, "number of keys")
	flag.IntVar(&cfg.workers, "workers", 20, "concurrent workers")
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: "error", Format: "console", OutputFile: "stderr", Service: "gojodb_bench"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	results, err := runBench(cfg, zlogger)
	if err != nil {
		zlogger.Fatal("Benchmark failed", zap.Error(err))
	}
	for _, r := range results {
		fmt.Println(r)
	}
}

func runBench(cfg benchConfig, zlogger *zap.Logger) ([]result, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.path), 0755); err != nil {
		return nil, err
	}
	if err := os.Remove(cfg.path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	tree, err := btree.NewBTreeFile(cfg.path, cfg.degree, btree.DefaultKeyOrder[string],
		btree.KeyValueSerializer[string, string]{
			SerializeKey:     btree.SerializeString,
			DeserializeKey:   btree.DeserializeString,
			SerializeValue:   btree.SerializeString,
			DeserializeValue: btree.DeserializeString,
		},
		btree.WithLogger(zlogger.Named("btree_index")),
	)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	lt := &lockedTree{tree: tree}

	results := []result{
		phase("write", cfg, zlogger, func(key, value string) bool {
			if err := lt.insert(key, value); err != nil {
				zlogger.Error("Insert failed", zap.String("key", key), zap.Error(err))
				return false
			}
			return true
		}),
		phase("read", cfg, zlogger, func(key, value string) bool {
			v, found, err := lt.search(key)
			switch {
			case err != nil:
				zlogger.Error("Search failed", zap.String("key", key), zap.Error(err))
				return false
			case !found:
				zlogger.Error("Key not found", zap.String("key", key))
				return false
			case v != value:
				zlogger.Error("Value mismatch", zap.String("key", key), zap.String("got", v))
				return false
			}
			return true
		}),
		phase("delete", cfg, zlogger, func(key, _ string) bool {
			if err := lt.delete(key); err != nil {
				zlogger.Error("Delete failed", zap.String("key", key), zap.Error(err))
				return false
			}
			return true
		}),
	}
	if err := tree.CheckInvariants(); err != nil {
		return results, err
	}
	return results, nil
}

// phase runs op once per key with at most cfg.workers in flight.
func phase(name string, cfg benchConfig, zlogger *zap.Logger, op func(key, value string) bool) result {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	workers := max(cfg.workers, 1)
	sem := make(chan struct{}, workers)
	start := time.Now()
	for i := cfg.start; i < cfg.start+cfg.count; i++ {
		sem <- struct{}{}
		key := "key-" + strconv.Itoa(i)
		value := "value-" + strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if !op(key, value) {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	r := result{phase: name, ops: cfg.count, failures: failures, elapsed: time.Since(start)}
	zlogger.Debug("Phase finished", zap.String("phase", name), zap.Int("failures", failures), zap.Duration("elapsed", r.elapsed))
	return r
}
