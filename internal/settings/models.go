// Package settings stores the endpoint and model catalog consulted when a
// query names no explicit endpoint or model. Records are immutable once
// created; switching defaults is done by inserting a new default record.
package settings

import "time"

// Endpoint is a named API endpoint the agent subprocess can be pointed at.
type Endpoint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"api_key,omitempty"`
	Provider  string    `json:"provider"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Model is a named model, optionally pinned to an endpoint by name.
// MaxTokens and MaxThinkingTokens of 0 mean "use the agent's default".
type Model struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	EndpointName      string    `json:"endpoint_name,omitempty"`
	MaxTokens         int       `json:"max_tokens"`
	MaxThinkingTokens int       `json:"max_thinking_tokens"`
	IsDefault         bool      `json:"is_default"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
