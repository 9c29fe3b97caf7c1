/*
Copyright 2024 The CdsCTF Authors.

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

// Package tracing bootstraps the process-wide OTel tracer. When no
// collector endpoint is configured the provider is a no-op and span
// calls cost nothing observable.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "cds-server"

// Span names used by the environment manager and the workers.
const (
	SpanCreateEnv       = "cds.env.create"
	SpanRenewEnv        = "cds.env.renew"
	SpanDeleteEnv       = "cds.env.delete"
	SpanReapEnv         = "cds.env.reap"
	SpanCheckSubmission = "cds.checker.submission"
	SpanRecomputeGame   = "cds.calculator.game"
)

var (
	AttrEnvID        = attribute.Key("cds.env.id")
	AttrChallengeID  = attribute.Key("cds.challenge.id")
	AttrGameID       = attribute.Key("cds.game.id")
	AttrSubmissionID = attribute.Key("cds.submission.id")
	AttrStatus       = attribute.Key("cds.submission.status")
)

// Setup installs the global TracerProvider. An empty endpoint installs
// a no-op provider. The returned shutdown func flushes pending spans.
func Setup(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the shared tracer for this process.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}
