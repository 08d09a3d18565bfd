/*
 * Copyright (c) 2018 Geoff Levand
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/glevand/packet--packet-images"
	serviceName         = "packet-images"
	endpointEnv         = "OTEL_EXPORTER_JAEGER_ENDPOINT"
)

func GetTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Setup installs a Jaeger backed tracer provider when the collector
// endpoint variable is set. Without it spans stay no-ops, so runs on build
// hosts with no collector cost nothing.
func Setup() (func(context.Context) error, error) {
	if os.Getenv(endpointEnv) == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, exporterErr := jaeger.New(jaeger.WithCollectorEndpoint())
	if exporterErr != nil {
		return nil, exporterErr
	}

	provider := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
