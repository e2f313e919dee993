// Package connector maps free-form connector-type strings to canonical
// types, validates and sanitizes transport configuration, and dispatches
// payloads through per-type Transport implementations.
package connector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Canonical connector types.
const (
	TypeWebhook  = "webhook"
	TypeChat     = "chat"
	TypeTicket   = "ticket"
	TypeQueue    = "queue"
	TypeDatabase = "database"
)

var aliases = map[string]string{
	"webhook":   TypeWebhook,
	"http":      TypeWebhook,
	"https":     TypeWebhook,
	"chat":      TypeChat,
	"slack":     TypeChat,
	"teams":     TypeChat,
	"ticket":    TypeTicket,
	"ticketing": TypeTicket,
	"jira":      TypeTicket,
	"queue":     TypeQueue,
	"nsq":       TypeQueue,
	"database":  TypeDatabase,
	"db":        TypeDatabase,
	"postgres":  TypeDatabase,
	"pg":        TypeDatabase,
}

// Config JSON Schemas, one per canonical type. Compiled once at init.
var configSchemas = map[string]string{
	TypeWebhook: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1, "pattern": "^https?://"},
			"secret": {"type": "string"},
			"headers": {"type": "object"}
		}
	}`,
	TypeChat: `{
		"type": "object",
		"required": ["webhook_url"],
		"properties": {
			"webhook_url": {"type": "string", "minLength": 1, "pattern": "^https?://"},
			"channel": {"type": "string"}
		}
	}`,
	TypeTicket: `{
		"type": "object",
		"required": ["base_url"],
		"properties": {
			"base_url": {"type": "string", "minLength": 1, "pattern": "^https?://"},
			"api_token": {"type": "string"},
			"project_key": {"type": "string"}
		}
	}`,
	TypeQueue: `{
		"type": "object",
		"required": ["topic"],
		"properties": {
			"topic": {"type": "string", "minLength": 1}
		}
	}`,
	TypeDatabase: `{
		"type": "object",
		"required": ["table"],
		"properties": {
			"table": {"type": "string", "minLength": 1, "pattern": "^[a-zA-Z_][a-zA-Z0-9_.]*$"}
		}
	}`,
}

// ValidationResult is the outcome of config validation. SanitizedConfig has
// secret-shaped values redacted and is safe to log or persist alongside the
// delivery record; the unredacted config goes to the blob store only.
type ValidationResult struct {
	OK              bool
	Errors          []string
	SanitizedConfig map[string]any
}

// Registry resolves connector types and validates transport config.
type Registry struct {
	schemas    map[string]*jsonschema.Schema
	transports map[string]Transport
}

func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(configSchemas))
	for typ, raw := range configSchemas {
		url := fmt.Sprintf("relaygate://connector/%s.schema.json", typ)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s config schema: %w", typ, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", typ, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", typ, err)
		}
		schemas[typ] = sch
	}
	return &Registry{schemas: schemas, transports: make(map[string]Transport)}, nil
}

// Register binds a Transport to a canonical connector type.
func (r *Registry) Register(canonicalType string, t Transport) {
	r.transports[canonicalType] = t
}

// Transport returns the transport for a canonical type, if registered.
func (r *Registry) Transport(canonicalType string) (Transport, bool) {
	t, ok := r.transports[canonicalType]
	return t, ok
}

// Canonicalize resolves a free-form connector-type string to its canonical
// type. Returns false for unknown types.
func (r *Registry) Canonicalize(raw string) (string, bool) {
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	return canonical, ok
}

// Types lists the canonical connector types in stable order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateConfig checks config against the canonical type's schema and
// returns a redacted copy regardless of validity.
func (r *Registry) ValidateConfig(canonicalType string, config map[string]any) ValidationResult {
	res := ValidationResult{SanitizedConfig: Redact(config)}
	sch, ok := r.schemas[canonicalType]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown connector type %q", canonicalType))
		return res
	}
	if config == nil {
		config = map[string]any{}
	}
	if err := sch.Validate(toJSONValue(config)); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.OK = true
	return res
}

// toJSONValue normalizes Go values into the shapes the schema validator
// expects (maps, slices, strings, float64, bool, nil).
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

const redactedPlaceholder = "[REDACTED]"

var secretKeyFragments = []string{
	"token", "secret", "password", "passwd", "authorization", "api_key", "apikey", "credential",
}

// Redact returns a deep copy of config with values for secret-shaped keys
// replaced. The original map is never modified.
func Redact(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		if isSecretKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
