package aiqa

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies spans produced by this library. The collector
// groups spans by instrumentation scope, so all clients use the same name.
const tracerName = "aiqa-tracer"

// tracer resolves lazily against whatever provider Client.Start installs.
var tracer = otel.Tracer(tracerName, trace.WithInstrumentationVersion(Version))

const (
	inputKey  = attribute.Key("input")
	outputKey = attribute.Key("output")
)

const defaultSampleLimit = 10

// Process-wide defaults applied to spans created by the traced wrappers.
// Client.Start seeds them from configuration; SetComponentTag may override
// the tag at any time.
var (
	ambientComponentTag atomic.Value // string
	ambientSampleLimit  atomic.Int32
)

// SetComponentTag sets the "component" attribute stamped on every span the
// traced wrappers and ContinueTrace create. Overrides AIQA_COMPONENT_TAG.
func SetComponentTag(tag string) {
	ambientComponentTag.Store(tag)
}

func currentComponentTag() string {
	if v, ok := ambientComponentTag.Load().(string); ok {
		return v
	}
	return ""
}

func currentSampleLimit() int {
	if n := ambientSampleLimit.Load(); n > 0 {
		return int(n)
	}
	return defaultSampleLimit
}

// TraceOption adjusts how a single traced unit records its span.
type TraceOption func(*traceOptions)

type traceOptions struct {
	name         string
	inputFilter  func(any) any
	outputFilter func(any) any
	ignoreInput  []string
	ignoreOutput []string
	sampleLimit  int
}

func resolveTraceOptions(opts []TraceOption) traceOptions {
	var o traceOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithSpanName overrides the span name derived from the wrapped function.
func WithSpanName(name string) TraceOption {
	return func(o *traceOptions) { o.name = name }
}

// WithInputFilter transforms the input before it is recorded on the span.
// The traced function still receives the original value.
func WithInputFilter(f func(any) any) TraceOption {
	return func(o *traceOptions) { o.inputFilter = f }
}

// WithOutputFilter transforms the output (or stream summary) before it is
// recorded on the span. The caller still receives the original value.
func WithOutputFilter(f func(any) any) TraceOption {
	return func(o *traceOptions) { o.outputFilter = f }
}

// WithIgnoreInput drops the named keys from a composite input before it is
// recorded. Only applies when the input reduces to a string-keyed map.
func WithIgnoreInput(keys ...string) TraceOption {
	return func(o *traceOptions) { o.ignoreInput = append(o.ignoreInput, keys...) }
}

// WithIgnoreOutput drops the named keys from a composite output before it
// is recorded.
func WithIgnoreOutput(keys ...string) TraceOption {
	return func(o *traceOptions) { o.ignoreOutput = append(o.ignoreOutput, keys...) }
}

// WithStreamSampleLimit caps how many yielded values a stream summary keeps.
// Defaults to the AIQA_SAMPLE_LIMIT configuration (10 when unset).
func WithStreamSampleLimit(n int) TraceOption {
	return func(o *traceOptions) { o.sampleLimit = n }
}

// wrapRegistry remembers the code pointers of wrapper closures handed out by
// this package. Func values cannot be compared, but closures produced by one
// constructor share a code pointer, so membership here means "one of ours".
var wrapRegistry = struct {
	mu  sync.Mutex
	pcs map[uintptr]struct{}
}{pcs: make(map[uintptr]struct{})}

func registerWrapper(fn any) {
	pc := reflect.ValueOf(fn).Pointer()
	wrapRegistry.mu.Lock()
	wrapRegistry.pcs[pc] = struct{}{}
	wrapRegistry.mu.Unlock()
}

func isWrapper(fn any) bool {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return false
	}
	wrapRegistry.mu.Lock()
	defer wrapRegistry.mu.Unlock()
	_, ok := wrapRegistry.pcs[v.Pointer()]
	return ok
}

// unitName derives a span name from the function's symbol: the bare function
// name, with package, receiver, and closure qualifiers cut away. Anonymous
// functions come out as funcN; pass WithSpanName when that is not good
// enough.
func unitName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "_"
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "_"
	}
	name := rf.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "_"
	}
	return name
}

// startUnitSpan opens the span for one invocation and records the input.
// The returned bool reports whether the span is recording; when it is not,
// attribute work is skipped but the unit still executes inside the span.
func startUnitSpan(ctx context.Context, name string, in any, o traceOptions) (context.Context, trace.Span, bool) {
	ctx, span := tracer.Start(ctx, name)
	if !span.IsRecording() {
		slog.Warn("aiqa: span is not recording and will not be exported", "unit", name)
		return ctx, span, false
	}
	if tag := currentComponentTag(); tag != "" {
		span.SetAttributes(attribute.String("component", tag))
	}
	attachValue(span, inputKey, in, o.inputFilter, o.ignoreInput)
	return ctx, span, true
}

func attachValue(span trace.Span, key attribute.Key, v any, filter func(any) any, ignore []string) {
	if filter != nil {
		v = filter(v)
	}
	v = dropKeys(v, ignore)
	if val, ok := reduceValue(v); ok {
		span.SetAttributes(attribute.KeyValue{Key: key, Value: val})
	}
}

func finishUnitError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func finishUnitPanic(span trace.Span, r any) {
	err := fmt.Errorf("panic: %v", r)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Traced wraps a unit of work in a span named after the function. The input
// is recorded when the unit is invoked and the output on success; a returned
// error is recorded and passed through unchanged, and a panic is recorded
// and re-raised. Wrapping an already traced unit logs a warning and returns
// it as is.
func Traced[I, O any](fn func(context.Context, I) (O, error), opts ...TraceOption) func(context.Context, I) (O, error) {
	o := resolveTraceOptions(opts)
	name := o.name
	if name == "" {
		name = unitName(fn)
	}
	if isWrapper(fn) {
		slog.Warn("aiqa: unit is already traced, not wrapping again", "unit", name)
		return fn
	}

	wrapper := func(ctx context.Context, in I) (out O, err error) {
		ctx, span, recording := startUnitSpan(ctx, name, in, o)
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				finishUnitPanic(span, r)
				panic(r)
			}
		}()

		out, err = fn(ctx, in)
		if err != nil {
			finishUnitError(span, err)
			return out, err
		}
		if recording {
			attachValue(span, outputKey, out, o.outputFilter, o.ignoreOutput)
		}
		span.SetStatus(codes.Ok, "")
		return out, nil
	}
	registerWrapper(wrapper)
	return wrapper
}

// TracedSeq wraps a unit of work that streams results as an iterator. The
// span opens when the unit is invoked, stays open while the caller consumes
// the sequence, and closes with a summary of what was yielded (count plus a
// bounded sample) instead of the full output. Breaking out of the loop early
// finalizes the summary with what was seen so far. The returned sequence is
// single use, like the span behind it: once finalized it yields nothing.
func TracedSeq[I, V any](fn func(context.Context, I) iter.Seq[V], opts ...TraceOption) func(context.Context, I) iter.Seq[V] {
	o := resolveTraceOptions(opts)
	name := o.name
	if name == "" {
		name = unitName(fn)
	}
	if isWrapper(fn) {
		slog.Warn("aiqa: unit is already traced, not wrapping again", "unit", name)
		return fn
	}

	wrapper := func(ctx context.Context, in I) iter.Seq[V] {
		ctx, span, recording := startUnitSpan(ctx, name, in, o)
		seq := invokeStream(span, func() iter.Seq[V] { return fn(ctx, in) })

		collect := newStreamSummary("generator", o.sampleLimit)
		var exhausted atomic.Bool
		var once sync.Once
		finalize := func(failure any) {
			once.Do(func() {
				exhausted.Store(true)
				if failure != nil {
					finishUnitPanic(span, failure)
				} else {
					if recording {
						collect.attach(span, o)
					}
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			})
		}

		return func(yield func(V) bool) {
			if exhausted.Load() {
				return
			}
			defer func() {
				if r := recover(); r != nil {
					finalize(r)
					panic(r)
				}
			}()
			seq(func(v V) bool {
				collect.observe(v)
				return yield(v)
			})
			finalize(nil)
		}
	}
	registerWrapper(wrapper)
	return wrapper
}

// TracedSeq2 is TracedSeq for two-value iterators. Summary samples record
// each pair as a two-element array.
func TracedSeq2[I, K, V any](fn func(context.Context, I) iter.Seq2[K, V], opts ...TraceOption) func(context.Context, I) iter.Seq2[K, V] {
	o := resolveTraceOptions(opts)
	name := o.name
	if name == "" {
		name = unitName(fn)
	}
	if isWrapper(fn) {
		slog.Warn("aiqa: unit is already traced, not wrapping again", "unit", name)
		return fn
	}

	wrapper := func(ctx context.Context, in I) iter.Seq2[K, V] {
		ctx, span, recording := startUnitSpan(ctx, name, in, o)
		seq := invokeStream(span, func() iter.Seq2[K, V] { return fn(ctx, in) })

		collect := newStreamSummary("generator", o.sampleLimit)
		var exhausted atomic.Bool
		var once sync.Once
		finalize := func(failure any) {
			once.Do(func() {
				exhausted.Store(true)
				if failure != nil {
					finishUnitPanic(span, failure)
				} else {
					if recording {
						collect.attach(span, o)
					}
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			})
		}

		return func(yield func(K, V) bool) {
			if exhausted.Load() {
				return
			}
			defer func() {
				if r := recover(); r != nil {
					finalize(r)
					panic(r)
				}
			}()
			seq(func(k K, v V) bool {
				collect.observePair(k, v)
				return yield(k, v)
			})
			finalize(nil)
		}
	}
	registerWrapper(wrapper)
	return wrapper
}

// TracedChan wraps a unit of work that streams results over a channel. The
// wrapper returns its own channel, forwards every value, and closes the span
// with a stream summary when the source closes. Cancelling ctx stops the
// forwarding and records the cancellation on the span; without it a consumer
// that walks away leaves the forwarding goroutine parked.
func TracedChan[I, V any](fn func(context.Context, I) <-chan V, opts ...TraceOption) func(context.Context, I) <-chan V {
	o := resolveTraceOptions(opts)
	name := o.name
	if name == "" {
		name = unitName(fn)
	}
	if isWrapper(fn) {
		slog.Warn("aiqa: unit is already traced, not wrapping again", "unit", name)
		return fn
	}

	wrapper := func(ctx context.Context, in I) <-chan V {
		ctx, span, recording := startUnitSpan(ctx, name, in, o)
		src := invokeStream(span, func() <-chan V { return fn(ctx, in) })

		collect := newStreamSummary("channel", o.sampleLimit)
		out := make(chan V)
		go func() {
			defer close(out)
			defer span.End()
			finish := func(cause error) {
				if recording {
					collect.attach(span, o)
				}
				if cause != nil {
					span.SetStatus(codes.Error, cause.Error())
					return
				}
				span.SetStatus(codes.Ok, "")
			}
			for {
				select {
				case v, ok := <-src:
					if !ok {
						finish(nil)
						return
					}
					collect.observe(v)
					select {
					case out <- v:
					case <-ctx.Done():
						finish(ctx.Err())
						return
					}
				case <-ctx.Done():
					finish(ctx.Err())
					return
				}
			}
		}()
		return out
	}
	registerWrapper(wrapper)
	return wrapper
}

// invokeStream calls the traced unit, recording and re-raising a panic so a
// stream constructor that blows up still ends its span.
func invokeStream[S any](span trace.Span, call func() S) S {
	defer func() {
		if r := recover(); r != nil {
			finishUnitPanic(span, r)
			span.End()
			panic(r)
		}
	}()
	return call()
}

// streamSummary accumulates what a traced stream yielded: a count, a bounded
// sample of values, and whether the sample was truncated.
type streamSummary struct {
	kind      string
	limit     int
	count     int
	samples   []any
	truncated bool
}

func newStreamSummary(kind string, limit int) *streamSummary {
	if limit <= 0 {
		limit = currentSampleLimit()
	}
	return &streamSummary{kind: kind, limit: limit}
}

func (s *streamSummary) observe(v any) {
	s.count++
	if len(s.samples) < s.limit {
		s.samples = append(s.samples, jsonSafe(v))
		return
	}
	s.truncated = true
}

func (s *streamSummary) observePair(k, v any) {
	s.count++
	if len(s.samples) < s.limit {
		s.samples = append(s.samples, []any{jsonSafe(k), jsonSafe(v)})
		return
	}
	s.truncated = true
}

func (s *streamSummary) attach(span trace.Span, o traceOptions) {
	summary := map[string]any{
		"type":          s.kind,
		"yielded_count": s.count,
	}
	if len(s.samples) > 0 {
		summary["sample_values"] = s.samples
	}
	if s.truncated {
		summary["truncated"] = true
	}
	attachValue(span, outputKey, summary, o.outputFilter, o.ignoreOutput)
}
