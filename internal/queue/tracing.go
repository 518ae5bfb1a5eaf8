package queue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracedStore struct {
	Store
	tracer trace.Tracer
}

// WithTracing wraps store so that every transition runs inside a span.
// A nil tracer returns store unchanged.
func WithTracing(store Store, tracer trace.Tracer) Store {
	if tracer == nil {
		return store
	}
	return &tracedStore{Store: store, tracer: tracer}
}

func (s *tracedStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "chanq."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("chanq.status", status))
	}
	span.End()
}

func (s *tracedStore) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := s.start(ctx, "create", attribute.String("chanq.channel", req.Channel))
	res, err := s.Store.Create(ctx, req)
	if err == nil && res.ID != 0 {
		span.SetAttributes(attribute.Int64("chanq.message_id", res.ID))
	}
	endSpan(span, res.Status.String(), err)
	return res, err
}

func (s *tracedStore) Dequeue(ctx context.Context, req DequeueRequest) (DequeueResult, error) {
	ctx, span := s.start(ctx, "dequeue")
	res, err := s.Store.Dequeue(ctx, req)
	if err == nil && res.Status == DequeueDequeued {
		span.SetAttributes(
			attribute.String("chanq.channel", res.Message.Channel),
			attribute.Int64("chanq.message_id", res.Message.ID),
			attribute.Int("chanq.attempts", res.Message.NumAttempts),
			attribute.Bool("chanq.reclaimed", res.Message.Reclaimed),
		)
	}
	endSpan(span, res.Status.String(), err)
	return res, err
}

func (s *tracedStore) Defer(ctx context.Context, req DeferRequest) (MessageStatus, error) {
	ctx, span := s.start(ctx, "defer", attribute.Int64("chanq.message_id", req.ID))
	status, err := s.Store.Defer(ctx, req)
	endSpan(span, status.String(), err)
	return status, err
}

func (s *tracedStore) Delete(ctx context.Context, req DeleteRequest) (MessageStatus, error) {
	ctx, span := s.start(ctx, "delete", attribute.Int64("chanq.message_id", req.ID))
	status, err := s.Store.Delete(ctx, req)
	endSpan(span, status.String(), err)
	return status, err
}

func (s *tracedStore) Heartbeat(ctx context.Context, req HeartbeatRequest) (MessageStatus, error) {
	ctx, span := s.start(ctx, "heartbeat", attribute.Int64("chanq.message_id", req.ID))
	status, err := s.Store.Heartbeat(ctx, req)
	endSpan(span, status.String(), err)
	return status, err
}

func (s *tracedStore) SetPolicy(ctx context.Context, policy ChannelPolicy) error {
	ctx, span := s.start(ctx, "set_policy", attribute.String("chanq.channel", policy.Channel))
	err := s.Store.SetPolicy(ctx, policy)
	endSpan(span, "ok", err)
	return err
}

func (s *tracedStore) ClearPolicy(ctx context.Context, channel string) error {
	ctx, span := s.start(ctx, "clear_policy", attribute.String("chanq.channel", channel))
	err := s.Store.ClearPolicy(ctx, channel)
	endSpan(span, "ok", err)
	return err
}
