// ABOUTME: Ordered stage runner that gates every session operation
// ABOUTME: Short-circuits on the first failure and records a trace span per request

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vrme/vrme-gateway/internal/pipeline"

// Operation is the work dispatched after every stage admits the request.
type Operation func(ctx context.Context, req *Request) error

// Pipeline runs stages in order, then the operation.
type Pipeline struct {
	stages []Stage
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a pipeline with the given stages in order.
func New(logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		stages: stages,
		tracer: otel.Tracer(tracerName),
		logger: logger.With("component", "pipeline"),
	}
}

// Options tunes the standard pipeline.
type Options struct {
	RetryTimeout time.Duration
}

// Standard builds the auth then rate-limit pipeline used by every transport.
func Standard(gate Authenticator, limiter Admitter, opts Options, logger *slog.Logger) *Pipeline {
	return New(logger,
		NewAuthStage(gate, opts.RetryTimeout, logger),
		NewRateLimitStage(limiter),
	)
}

// Admit runs every stage and returns the enriched context and request. The
// first stage error is returned unchanged.
func (p *Pipeline) Admit(ctx context.Context, req *Request) (context.Context, *Request, error) {
	for _, stage := range p.stages {
		var err error
		ctx, req, err = stage.Apply(ctx, req)
		if err != nil {
			p.logger.Debug("request rejected",
				"route", req.Route.Name,
				"stage", stage.Name(),
				"kind", string(Classify(err)),
				"remote_ip", req.RemoteIP)
			trace.SpanFromContext(ctx).AddEvent("rejected", trace.WithAttributes(
				attribute.String("stage", stage.Name()),
			))
			return ctx, req, err
		}
	}
	return ctx, req, nil
}

// Execute admits req and then runs op. The span covers both.
func (p *Pipeline) Execute(ctx context.Context, req *Request, op Operation) error {
	ctx, span := p.tracer.Start(ctx, "vrme."+req.Route.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("vrme.route", req.Route.Name),
			attribute.Bool("vrme.requires_auth", req.Route.RequiresAuth),
		))
	defer span.End()

	ctx, req, err := p.Admit(ctx, req)
	if err == nil {
		if !req.Identity.IsZero() {
			span.SetAttributes(attribute.String("vrme.account_id", req.Identity.AccountID.String()))
		}
		err = op(ctx, req)
	}
	if err != nil {
		kind := Classify(err)
		span.SetAttributes(attribute.String("vrme.error_kind", string(kind)))
		span.SetStatus(otelcodes.Error, string(kind))
		if kind == KindInternal {
			span.RecordError(err)
		}
	}
	return err
}
