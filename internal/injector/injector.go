//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/fluxlink/fluxlink/internal/core/observability/log"
	"github.com/fluxlink/fluxlink/internal/core/realtime"
	"github.com/fluxlink/fluxlink/internal/hub"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}

func ProvideHub(cfg realtime.Config) *hub.Hub {
	wire.Build(provideLog, hub.New)
	return nil
}

func provideLog() log.Log {
	return log.New(log.LevelInfo)
}
