package iopool

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/internal/metrics"
)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	reg     prometheus.Registerer
}

// Option 配置 Context 与 Pool
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer 将 pool 指标注册到 reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

func resolveOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.reg != nil {
		m, err := metrics.New(o.reg, "")
		if err != nil {
			o.logger.Warn("iopool: metrics disabled", zap.Error(err))
		} else {
			o.metrics = m
		}
	}
	return o
}
