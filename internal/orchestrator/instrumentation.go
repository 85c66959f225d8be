package orchestrator

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/mpataki/stepchain/internal/orchestrator"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)
