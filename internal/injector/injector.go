//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/relayhub/relayhub/internal/core/config"
	"github.com/relayhub/relayhub/internal/core/observability/log"
)

func ProvideLogger(cfg config.Config) *log.Logger {
	wire.Build(provideLevel, log.New)
	return log.New(log.LevelInfo)
}

func provideLevel(cfg config.Config) log.Level {
	return log.ParseLevel(cfg.LogLevel)
}
