// Package batch loads staged record files (one logical batch per file) into
// the trip store. Records loaded here are provisional: their route and
// direction are placeholders until the streaming path corrects them.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transit-ingest/internal/event"
	"transit-ingest/internal/transform"
	"transit-ingest/internal/validate"
)

type Status string

const (
	Loaded   Status = "loaded"
	Rejected Status = "rejected"
	Failed   Status = "failed"
	Empty    Status = "empty"
)

type Batch struct {
	Name   string
	Events []*event.Event
}

// Report is the single per-batch result.
type Report struct {
	Batch   string
	Status  Status
	Records int
	Err     error
}

type Options struct {
	PlaceholderRoute int64
	DefaultDirection event.Direction
}

func DefaultOptions() Options {
	return Options{PlaceholderRoute: -1, DefaultDirection: event.DirectionOut}
}

type Applier interface {
	Apply(ctx context.Context, recs []event.Canonical) error
}

type Metrics interface {
	ObserveBatch(r Report)
}

type Loader struct {
	validator *validate.Validator
	store     Applier
	opts      Options
	metrics   Metrics
}

func NewLoader(v *validate.Validator, store Applier, opts Options, m Metrics) *Loader {
	return &Loader{validator: v, store: store, opts: opts, metrics: m}
}

// Load validates the whole batch, augments it with provisional route and
// direction, and persists it in one transactional call. Any failure skips
// the entire batch.
func (l *Loader) Load(ctx context.Context, b Batch) Report {
	return l.report(l.load(ctx, b))
}

func (l *Loader) report(r Report) Report {
	lvl := zerolog.InfoLevel
	if r.Err != nil {
		lvl = zerolog.ErrorLevel
	}
	log.WithLevel(lvl).Err(r.Err).Str("batch", r.Batch).Str("status", string(r.Status)).
		Int("records", r.Records).Msg("batch processed")
	if l.metrics != nil {
		l.metrics.ObserveBatch(r)
	}
	return r
}

func (l *Loader) load(ctx context.Context, b Batch) Report {
	r := Report{Batch: b.Name, Records: len(b.Events)}
	if len(b.Events) == 0 {
		r.Status = Empty
		return r
	}
	if err := l.validator.CheckBatch(b.Events); err != nil {
		r.Status, r.Err = Rejected, err
		return r
	}
	recs := transform.All(l.opts.Augment(b.Events))
	if err := l.store.Apply(ctx, recs); err != nil {
		r.Status, r.Err = Failed, err
		return r
	}
	r.Status = Loaded
	return r
}

// Augment returns copies of events with the placeholder route and default
// direction applied. Inputs are left untouched.
func (o Options) Augment(events []*event.Event) []*event.Event {
	out := make([]*event.Event, len(events))
	for i, e := range events {
		c := *e
		c.RouteNumber = event.Int64(o.PlaceholderRoute)
		c.Direction = event.String(string(o.DefaultDirection))
		out[i] = &c
	}
	return out
}

// ReadFile reads a staged batch. Files ending in .csv are CSV with a header
// row; .json and .ndjson files hold one JSON record per line.
func ReadFile(path string) (Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return Batch{}, err
	}
	defer f.Close()

	b := Batch{Name: filepath.Base(path)}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		b.Events, err = event.ReadCSV(f)
	case ".json", ".ndjson", ".jsonl":
		b.Events, err = event.ReadJSONLines(f)
	default:
		return Batch{}, fmt.Errorf("unsupported staged file type %q", path)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("read %s: %w", b.Name, err)
	}
	return b, nil
}

// StagedFiles lists staged batch files in dir, sorted by name.
func StagedFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.json", "*.ndjson", "*.jsonl", "*.csv"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, m...)
	}
	sort.Strings(files)
	return files, nil
}

// LoadFile reads and loads one staged file. Read failures are reported as a
// failed batch.
func (l *Loader) LoadFile(ctx context.Context, path string) Report {
	b, err := ReadFile(path)
	if err != nil {
		return l.report(Report{Batch: filepath.Base(path), Status: Failed, Err: err})
	}
	return l.Load(ctx, b)
}

// LoadDir loads every staged file in dir sequentially. A failed batch does
// not stop the remaining ones.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]Report, error) {
	files, err := StagedFiles(dir)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, l.LoadFile(ctx, path))
	}
	return reports, nil
}
