package metadata

import (
	"go.uber.org/fx"
)

// Module provides the metadata fetcher and remover to the fx container
var Module = fx.Options(
	fx.Provide(NewFetcher, NewRemover),
)
