package btree

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all the metric instruments for a disk-backed B-tree.
type Metrics struct {
	PageReads       metric.Int64Counter
	PageWrites      metric.Int64Counter
	PageAllocations metric.Int64Counter
	PageFrees       metric.Int64Counter
	NodeSplits      metric.Int64Counter
	NodeMerges      metric.Int64Counter
	NodeBorrows     metric.Int64Counter
	OpDuration      metric.Float64Histogram
}

// NewMetrics creates and registers all the metrics for the B-tree.
// A nil meter yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	pageReads, err := meter.Int64Counter(
		"gojodb.btree.page.reads",
		metric.WithDescription("Pages read from the backing file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageWrites, err := meter.Int64Counter(
		"gojodb.btree.page.writes",
		metric.WithDescription("Pages written to the backing file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageAllocations, err := meter.Int64Counter(
		"gojodb.btree.page.allocations",
		metric.WithDescription("Page ids handed out, including free-list reuse."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageFrees, err := meter.Int64Counter(
		"gojodb.btree.page.frees",
		metric.WithDescription("Page ids returned to the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeSplits, err := meter.Int64Counter(
		"gojodb.btree.node.splits",
		metric.WithDescription("Full nodes split during insert."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeMerges, err := meter.Int64Counter(
		"gojodb.btree.node.merges",
		metric.WithDescription("Sibling merges during delete."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeBorrows, err := meter.Int64Counter(
		"gojodb.btree.node.borrows",
		metric.WithDescription("Key rotations from a sibling during delete."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opDuration, err := meter.Float64Histogram(
		"gojodb.btree.op.duration",
		metric.WithDescription("Latency of tree operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		PageReads:       pageReads,
		PageWrites:      pageWrites,
		PageAllocations: pageAllocations,
		PageFrees:       pageFrees,
		NodeSplits:      nodeSplits,
		NodeMerges:      nodeMerges,
		NodeBorrows:     nodeBorrows,
		OpDuration:      opDuration,
	}, nil
}

func (m *Metrics) inc(c metric.Int64Counter) {
	c.Add(context.Background(), 1)
}

// observe records the duration of op since start.
func (m *Metrics) observe(op string, start time.Time) {
	ms := float64(time.Since(start).Microseconds()) / 1000
	m.OpDuration.Record(context.Background(), ms, metric.WithAttributes(attribute.String("op", op)))
}
