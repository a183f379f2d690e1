package cmd

import (
	"log/slog"

	"github.com/valueflows/conductor/pkg/definitions"
)

func NewRegistry(logger *slog.Logger) *definitions.Registry {
	return definitions.NewRegistry(logger)
}
