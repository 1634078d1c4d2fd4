package cli

import (
	"fmt"

	"github.com/re-cinq/fleetline/internal/broker"
	"github.com/re-cinq/fleetline/internal/config"
)

// resolveRoot finds the project root from the --path flag, per spec.md
// §4.1's upward marker search.
func resolveRoot() (string, error) {
	return config.FindProjectRoot(projectPath)
}

// openBroker resolves the project root and initializes a Broker against
// it (spec.md §6.3 initialize()).
func openBroker() (*broker.Broker, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	return broker.Initialize(root)
}
