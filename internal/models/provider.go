package models

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifies an upstream AI vendor, or the automatic routing mode.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderMistral   Provider = "mistral"
	ProviderGroq      Provider = "groq"

	// ProviderAutomatic lets the external router pick the provider
	ProviderAutomatic Provider = "automatic"
)

// KnownProviders lists every concrete provider in a stable order
var KnownProviders = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderDeepSeek,
	ProviderMistral,
	ProviderGroq,
}

var providerAliases = map[string]Provider{
	"openai":      ProviderOpenAI,
	"anthropic":   ProviderAnthropic,
	"claude":      ProviderAnthropic,
	"gemini":      ProviderGemini,
	"google":      ProviderGemini,
	"deepseek":    ProviderDeepSeek,
	"mistral":     ProviderMistral,
	"groq":        ProviderGroq,
	"automatic":   ProviderAutomatic,
	"auto":        ProviderAutomatic,
	"neuroswitch": ProviderAutomatic,
}

// ErrUnknownProvider is wrapped by ParseProvider for unrecognised names
var ErrUnknownProvider = errors.New("unknown provider")

// ParseProvider resolves a provider name case-insensitively, including aliases.
func ParseProvider(name string) (Provider, error) {
	p, ok := providerAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// ParseProviderList parses a comma-separated list, skipping blanks.
// Automatic is rejected since it is a mode, not a vendor.
func ParseProviderList(list string) ([]Provider, error) {
	var out []Provider
	seen := make(map[Provider]bool)
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParseProvider(part)
		if err != nil {
			return nil, err
		}
		if p.IsAutomatic() {
			return nil, fmt.Errorf("%w: automatic is not a concrete provider", ErrUnknownProvider)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (p Provider) IsAutomatic() bool {
	return p == ProviderAutomatic
}

// IsConcrete reports whether p is one of KnownProviders
func (p Provider) IsConcrete() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}
