package otelhelper

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError records err on the span and flips its status to Error.
func SetError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EndSpan closes the span, recording err when non-nil and marking the span
// Ok otherwise.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		SetError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}
