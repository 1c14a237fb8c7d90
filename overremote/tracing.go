// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overremote

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans go to the global provider; without one installed they are no-ops.
var tracer = otel.Tracer("github.com/mobiletoly/go-overcache/overremote")

func startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func spanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func mutationAttrs(req MutationRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("overcache.collection", req.Collection),
		attribute.String("overcache.doc_id", req.ID),
		attribute.String("overcache.kind", req.Kind),
		attribute.String("overcache.mutation_id", req.MutationID),
	}
}
