/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package tracing constructs and registers the global OpenTelemetry
// TracerProvider the gRPC surface's otelgrpc stats handler records spans
// against (spec §4.9 domain stack: ambient tracing). With no OTLP endpoint
// configured, Setup is a no-op and otelgrpc falls back to the global no-op
// tracer, so spans are neither generated nor held in memory.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the registered TracerProvider. It is a no-op
// when Setup never registered one.
type Shutdown func(ctx context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Setup builds an OTLP/gRPC span exporter pointed at endpoint, wraps it in
// a batching SDK TracerProvider tagged with the service name, and installs
// it as the global TracerProvider otelgrpc.NewServerHandler() picks up. An
// empty endpoint disables tracing entirely.
func Setup(ctx context.Context, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("construct otlp span exporter for %q: %w", endpoint, err)
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", "systemd-cri"))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
