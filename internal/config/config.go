// Package config holds the immutable client configuration for the
// partnerauth engine and its YAML loader for the CLI.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the single active identity-provider client configuration.
// It is loaded once at startup and immutable thereafter; the flow controller
// owns it for its lifetime.
type ClientConfig struct {
	// ClientID is the identifier registered with the identity provider.
	ClientID string `yaml:"clientId"`

	// RedirectURI is the redirect the provider sends the user back to.
	RedirectURI string `yaml:"redirectUri"`

	// Scope is the requested scope set, space-delimited. Order is preserved
	// for wire transmission; equality and storage keys use the normalized form.
	Scope string `yaml:"scope"`

	// ServiceDiscoveryURL is the discovery document URL.
	ServiceDiscoveryURL string `yaml:"serviceDiscoveryUrl"`

	// AcrValues are optional authentication context class reference values,
	// transmitted as space-separated key:value pairs.
	AcrValues map[string]string `yaml:"acrValues,omitempty"`

	// Request is an optional request object (base64-encoded JWT) for
	// one-time-transaction scenarios.
	Request string `yaml:"request,omitempty"`

	// LoginHint is an optional login hint forwarded to the provider.
	LoginHint string `yaml:"loginHint,omitempty"`

	// IDTokenHint is an optional ID-token hint forwarded to the provider.
	IDTokenHint string `yaml:"idTokenHint,omitempty"`

	// Prompt is an optional prompt value forwarded to the provider.
	Prompt string `yaml:"prompt,omitempty"`
}

// Validate checks that the required fields are present and well-formed.
func (c *ClientConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if c.ServiceDiscoveryURL == "" {
		return fmt.Errorf("serviceDiscoveryUrl is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}

	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("redirectUri %q is not a valid URL", c.RedirectURI)
	}

	return nil
}

// AcrValuesString renders the acr values as space-separated key:value pairs.
// Keys are sorted so the rendered string is deterministic. Returns an empty
// string when no values are set.
func (c *ClientConfig) AcrValuesString() string {
	if len(c.AcrValues) == 0 {
		return ""
	}

	keys := make([]string, 0, len(c.AcrValues))
	for k := range c.AcrValues {
		if k != "" && c.AcrValues[k] != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+":"+c.AcrValues[k])
	}
	return strings.Join(pairs, " ")
}

// Load reads a ClientConfig from a YAML file and validates it.
func Load(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}
