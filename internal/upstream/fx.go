package upstream

import (
	"github.com/smallbiznis/allotment/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("upstream",
	fx.Provide(NewSources),
)

type Sources struct {
	fx.Out

	Subscriptions SubscriptionSource
	Products      ProductSource
}

// NewSources uses the HTTP catalog when configured and an in-memory source otherwise.
func NewSources(cfg config.Config, log *zap.Logger) Sources {
	if cfg.UpstreamBaseURL == "" {
		static := NewStaticSource()
		log.Info("upstream catalog not configured, using in-memory source")
		return Sources{Subscriptions: static, Products: static}
	}
	src := NewHTTPSource(HTTPConfig{
		BaseURL: cfg.UpstreamBaseURL,
		Token:   cfg.UpstreamToken,
		Timeout: cfg.UpstreamTimeout,
	}, log)
	return Sources{Subscriptions: src, Products: src}
}
