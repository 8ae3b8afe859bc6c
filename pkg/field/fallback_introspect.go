//go:build jvmintrospect

package field

import (
	"github.com/go-kit/log"

	"github.com/grafana/jvmgetter/pkg/introspect"
)

func init() {
	registerFallback(func(logger log.Logger, cfg IntrospectConfig) (Strategy, error) {
		return introspect.New(logger, introspect.Config{
			APILevel:   cfg.APILevel,
			LayoutFile: cfg.LayoutFile,
			AllowGuess: cfg.AllowGuess,
		})
	})
}
