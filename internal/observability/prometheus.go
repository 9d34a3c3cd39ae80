package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// MustRegister registers collector with reg and returns it. When an identical
// collector is already registered (several components built in one process,
// or repeated construction in tests) the existing one is returned instead.
// Any other registration error panics, mirroring promauto.
func MustRegister[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}
