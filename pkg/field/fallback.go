package field

import "github.com/go-kit/log"

// FallbackFactory creates the strategy used after a context miss.
type FallbackFactory func(logger log.Logger, cfg IntrospectConfig) (Strategy, error)

var newFallback FallbackFactory

func registerFallback(f FallbackFactory) {
	newFallback = f
}
