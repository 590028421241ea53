// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YZ-social/Yz.social/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Resource attributes describing a relay node.
const (
	AttrNodeID            = attribute.Key("relay.node_id")
	AttrSubscriptionTTL   = attribute.Key("relay.subscription_ttl")
	AttrRetention         = attribute.Key("relay.retention")
	AttrHeartbeatInterval = attribute.Key("relay.heartbeat_interval")
	AttrStorage           = attribute.Key("relay.storage")
	AttrStrictTopics      = attribute.Key("relay.strict_topics")
)

const exportTimeout = 30 * time.Second

// InitProvider registers the global tracer and meter providers of a relay
// node. Exporters speak OTLP over gRPC to server.metrics_addr, over TLS
// unless server.otel_insecure is set.
// The returned function flushes and stops both providers.
func InitProvider(cfg *config.Config) (func(context.Context) error, error) {
	ctx := context.Background()

	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.Server.OtelTracesEnabled {
		fn, err := initTracerProvider(ctx, cfg.Server, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, fn)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.Server.OtelMetricsEnabled {
		fn, err := initMeterProvider(ctx, cfg.Server, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, fn)
	}

	return shutdown, nil
}

// Resource describes the relay node: service identity plus the lease and
// retention settings that shape its traffic.
func Resource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Server.OtelServiceName),
			semconv.ServiceVersionKey.String(cfg.Server.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(cfg.Broker.NodeID),
			AttrNodeID.String(cfg.Broker.NodeID),
			AttrSubscriptionTTL.String(cfg.Broker.SubscriptionTTL.String()),
			AttrRetention.String(cfg.Broker.Retention.String()),
			AttrHeartbeatInterval.String(cfg.Broker.HeartbeatInterval.String()),
			AttrStorage.String(cfg.Storage.Type),
			AttrStrictTopics.Bool(cfg.Broker.StrictTopics),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func traceExporterOptions(cfg config.ServerConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if cfg.OtelInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func metricExporterOptions(cfg config.ServerConfig) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if cfg.OtelInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func initTracerProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx, traceExporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.OtelTraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(cfg.OtelExportInterval),
		),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (func(context.Context) error, error) {
	exporter, err := otlpmetricgrpc.New(ctx, metricExporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(cfg.OtelExportInterval),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
