//go:build wireinject
// +build wireinject

package app

import (
	"context"

	arenacfg "arena/internal/config"

	"github.com/google/wire"
)

// buildAppWithWire 由 wire 生成实现，见 wire_gen.go。
func buildAppWithWire(ctx context.Context, cfg *arenacfg.Config) (*App, error) {
	wire.Build(
		provideAppBuilder,
		wire.Bind(new(appBuilderDeps), new(*AppBuilder)),
		provideAppFromBuilder,
	)
	return nil, nil
}
