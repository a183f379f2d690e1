package cmd

import (
	"fmt"
	"strings"

	"github.com/valueflows/conductor/pkg/definitions"
)

// AgentEndpoints builds the target-to-endpoint map for the HTTP invoker.
// Every agent referenced by a loaded definition, as a stage or as a
// compensation, is routed to baseURL; overrides is a comma-separated list of
// target=url pairs that win over the base.
func AgentEndpoints(registry *definitions.Registry, baseURL, overrides string) (map[string]string, error) {
	endpoints := make(map[string]string)

	if baseURL != "" {
		for _, definition := range registry.All() {
			for _, stage := range definition.Stages {
				endpoints[stage.Agent] = baseURL

				if stage.Compensation != "" {
					endpoints[stage.Compensation] = baseURL
				}
			}
		}
	}

	if overrides == "" {
		return endpoints, nil
	}

	for _, pair := range strings.Split(overrides, ",") {
		target, url, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || target == "" || url == "" {
			return nil, fmt.Errorf("invalid agent endpoint override: %q", pair)
		}

		endpoints[target] = url
	}

	return endpoints, nil
}
