package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

const storageScopeName = "github.com/polystore/polystore/storage"

// InstrumentedDAO wraps a storage.DAO with OTel tracing and metrics.
// Every method gets a span and is counted in polystore.storage.* metrics.
// Use WrapDAO to create one; it returns the original adapter unchanged when
// telemetry is disabled.
type InstrumentedDAO struct {
	inner  storage.DAO
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter

	// Stable per-adapter attributes: model name and backend kind.
	base []attribute.KeyValue
}

// WrapDAO returns d decorated with OTel instrumentation.
// When telemetry is disabled, d is returned as-is with zero overhead.
func WrapDAO(d storage.DAO) storage.DAO {
	if !Enabled() {
		return d
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("polystore.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("polystore.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("polystore.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedDAO{
		inner:  d,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		base: []attribute.KeyValue{
			attribute.String("polystore.model", d.Model().Name),
			attribute.String("polystore.kind", string(d.Kind())),
		},
	}
}

// op starts a span and counts the named storage operation.
func (s *InstrumentedDAO) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, s.base...)
	all = append(all, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedDAO) done(ctx context.Context, span trace.Span, start time.Time, err error) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(s.base...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(s.base...))
	}
	span.End()
}

func (s *InstrumentedDAO) Connect(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Connect")
	err := s.inner.Connect(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedDAO) Disconnect(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Disconnect")
	err := s.inner.Disconnect(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedDAO) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedDAO) Create(ctx context.Context, e *types.Entity) (string, error) {
	ctx, span, t := s.op(ctx, "Create")
	id, err := s.inner.Create(ctx, e)
	s.done(ctx, span, t, err)
	return id, err
}

func (s *InstrumentedDAO) CreateMany(ctx context.Context, es []*types.Entity) ([]string, error) {
	ctx, span, t := s.op(ctx, "CreateMany", attribute.Int("polystore.batch.size", len(es)))
	ids, err := s.inner.CreateMany(ctx, es)
	s.done(ctx, span, t, err)
	return ids, err
}

func (s *InstrumentedDAO) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	ctx, span, t := s.op(ctx, "FindByID")
	e, err := s.inner.FindByID(ctx, id)
	s.done(ctx, span, t, err)
	return e, err
}

func (s *InstrumentedDAO) FindOne(ctx context.Context, q query.Query) (*types.Entity, error) {
	ctx, span, t := s.op(ctx, "FindOne")
	e, err := s.inner.FindOne(ctx, q)
	s.done(ctx, span, t, err)
	return e, err
}

func (s *InstrumentedDAO) Find(ctx context.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	ctx, span, t := s.op(ctx, "Find")
	es, err := s.inner.Find(ctx, q, opts)
	if err == nil {
		span.SetAttributes(attribute.Int("polystore.result.count", len(es)))
	}
	s.done(ctx, span, t, err)
	return es, err
}

func (s *InstrumentedDAO) Count(ctx context.Context, q query.Query) (int64, error) {
	ctx, span, t := s.op(ctx, "Count")
	n, err := s.inner.Count(ctx, q)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedDAO) Exists(ctx context.Context, id string) (bool, error) {
	ctx, span, t := s.op(ctx, "Exists")
	ok, err := s.inner.Exists(ctx, id)
	s.done(ctx, span, t, err)
	return ok, err
}

func (s *InstrumentedDAO) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	ctx, span, t := s.op(ctx, "Update", attribute.Int("polystore.patch.size", len(patch)))
	ok, err := s.inner.Update(ctx, id, patch)
	s.done(ctx, span, t, err)
	return ok, err
}

func (s *InstrumentedDAO) UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error) {
	ctx, span, t := s.op(ctx, "UpdateMany", attribute.Int("polystore.patch.size", len(patch)))
	n, err := s.inner.UpdateMany(ctx, q, patch)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedDAO) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span, t := s.op(ctx, "Delete")
	ok, err := s.inner.Delete(ctx, id)
	s.done(ctx, span, t, err)
	return ok, err
}

func (s *InstrumentedDAO) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	ctx, span, t := s.op(ctx, "DeleteMany")
	n, err := s.inner.DeleteMany(ctx, q)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedDAO) CreateIndexes(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "CreateIndexes")
	err := s.inner.CreateIndexes(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedDAO) RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error) {
	ctx, span, t := s.op(ctx, "RawRead")
	rows, err := s.inner.RawRead(ctx, text, params...)
	if err == nil {
		span.SetAttributes(attribute.Int("polystore.result.count", len(rows)))
	}
	s.done(ctx, span, t, err)
	return rows, err
}

func (s *InstrumentedDAO) RawWrite(ctx context.Context, text string, params ...any) (int64, error) {
	ctx, span, t := s.op(ctx, "RawWrite")
	n, err := s.inner.RawWrite(ctx, text, params...)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedDAO) ListDatabases(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "ListDatabases")
	v, err := s.inner.ListDatabases(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedDAO) ListSchemas(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "ListSchemas")
	v, err := s.inner.ListSchemas(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedDAO) ListModels(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "ListModels")
	v, err := s.inner.ListModels(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedDAO) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	ctx, span, t := s.op(ctx, "ModelInfo")
	v, err := s.inner.ModelInfo(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedDAO) Kind() model.Kind         { return s.inner.Kind() }
func (s *InstrumentedDAO) Model() *model.Descriptor { return s.inner.Model() }

// Unwrap exposes the decorated adapter for callers that need the concrete
// type (the graph traversal surface, the vector search surface).
func (s *InstrumentedDAO) Unwrap() storage.DAO { return s.inner }
