package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/dispatch"
)

// Build returns the broker topology described by t.
func (t Topology) Build() dispatch.Topology {
	return dispatch.Topology{Bindings: []dispatch.Binding{
		{Kind: dispatch.KindNewsCreated, Exchange: t.NewsExchange, Queue: t.NewsCreatedQueue, RoutingKey: t.NewsCreatedRoutingKey},
		{Kind: dispatch.KindNewsUpdated, Exchange: t.NewsExchange, Queue: t.NewsUpdatedQueue, RoutingKey: t.NewsUpdatedRoutingKey},
		{Kind: dispatch.KindCommentCreated, Exchange: t.CommentsExchange, Queue: t.CommentCreatedQueue, RoutingKey: t.CommentCreatedRoutingKey},
	}}
}

// Options returns publisher options for p.
func (p Publisher) Options() []dispatch.PublisherOption {
	opts := []dispatch.PublisherOption{
		dispatch.WithAppID(p.AppID),
		dispatch.WithMaxAttempts(p.MaxAttempts),
		dispatch.WithBackoff(p.InitialBackoff, p.BackoffMultiplier),
		dispatch.WithDeadline(p.Deadline),
	}
	if p.MaxBackoff > 0 {
		opts = append(opts, dispatch.WithMaxBackoff(p.MaxBackoff))
	}
	if p.AttemptTimeout > 0 {
		opts = append(opts, dispatch.WithAttemptTimeout(p.AttemptTimeout))
	}

	return opts
}

// Settings returns circuit breaker settings for b.
func (b Breaker) Settings(logger dispatch.Logger) dispatch.BreakerSettings {
	return dispatch.BreakerSettings{
		Name:                "broker",
		MaxRequests:         b.MaxRequests,
		Interval:            b.Interval,
		Timeout:             b.Timeout,
		ConsecutiveFailures: b.ConsecutiveFailures,
		Logger:              logger,
	}
}

// ReplayerOptions returns replayer options for l.
func (l Ledger) ReplayerOptions() []dispatch.ReplayerOption {
	return []dispatch.ReplayerOption{
		dispatch.WithBatchSize(l.BatchSize),
		dispatch.WithPollInterval(l.PollInterval),
		dispatch.WithRetryDelay(l.RetryDelay),
		dispatch.WithWorkers(l.Workers),
		dispatch.WithReplayWindow(l.ReplayWindow),
	}
}

// NewLogger builds a zap logger. Development mode uses the console encoder.
func NewLogger(l Log) (*zap.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(raw string) (zapcore.Level, error) {
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}

	return level, nil
}
