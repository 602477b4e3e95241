package policy

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tkingovr/deploygate/api"
)

// PolicyFile represents the top-level YAML policy configuration.
type PolicyFile struct {
	Version  int      `yaml:"version" json:"version"`
	Settings Settings `yaml:"settings" json:"settings"`
	Rules    []Rule   `yaml:"rules" json:"rules"`
}

// Settings contains global settings shared by the backend and the CLI.
type Settings struct {
	DefaultAction  api.Verdict        `yaml:"default_action" json:"default_action"`
	LogDir         string             `yaml:"log_dir" json:"log_dir"`
	ListenAddr     string             `yaml:"listen_addr" json:"listen_addr"`
	ServerURL      string             `yaml:"server_url,omitempty" json:"server_url,omitempty"`
	WalletURL      string             `yaml:"wallet_url,omitempty" json:"wallet_url,omitempty"`
	ApprovalTTL    string             `yaml:"approval_ttl" json:"approval_ttl"`
	ExpiryInterval string             `yaml:"expiry_interval,omitempty" json:"expiry_interval,omitempty"`
	BridgeInterval string             `yaml:"bridge_interval,omitempty" json:"bridge_interval,omitempty"`
	PollInterval   string             `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	PollTimeout    string             `yaml:"poll_timeout,omitempty" json:"poll_timeout,omitempty"`
	GraceWindow    string             `yaml:"grace_window,omitempty" json:"grace_window,omitempty"`
	OPAPolicy      string             `yaml:"opa_policy,omitempty" json:"opa_policy,omitempty"`
	Store          *StoreSettings     `yaml:"store,omitempty" json:"store,omitempty"`
	RateLimit      *RateLimitSettings `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Tracing        bool               `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// StoreSettings selects the approval store backend.
type StoreSettings struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// RateLimitSettings configures request admission limits.
type RateLimitSettings struct {
	Global  *RateLimitRule `yaml:"global,omitempty" json:"global,omitempty"`
	PerTask *RateLimitRule `yaml:"per_task,omitempty" json:"per_task,omitempty"`
}

// RateLimitRule defines a rate limit: max requests per time window.
type RateLimitRule struct {
	Max    int    `yaml:"max" json:"max"`
	Window string `yaml:"window" json:"window"`
}

// Rule represents a single policy rule.
type Rule struct {
	Name    string    `yaml:"name" json:"name"`
	Match   RuleMatch `yaml:"match" json:"match"`
	Action  string    `yaml:"action" json:"action"`
	Message string    `yaml:"message,omitempty" json:"message,omitempty"`
}

// RuleMatch specifies conditions on a transaction payload. Empty
// conditions match everything.
type RuleMatch struct {
	Network string                `yaml:"network,omitempty" json:"network,omitempty"`
	Kind    string                `yaml:"kind,omitempty" json:"kind,omitempty"`
	Fields  map[string]FieldMatch `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FieldMatch specifies a matching condition for a single payload field.
// The key "_any_value" matches if any top-level field satisfies it.
type FieldMatch struct {
	Exact string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// Payload kinds derived from the transaction shape.
const (
	KindDeploy = "deploy"
	KindCall   = "call"
)

// EvalInput is the input to a policy engine evaluation.
type EvalInput struct {
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// fields decodes the payload as a JSON object. Non-object payloads yield
// an empty map.
func (in *EvalInput) fields() map[string]any {
	var m map[string]any
	if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &m) != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// payloadKind reports "deploy" for contract creations (no recipient) and
// "call" otherwise.
func payloadKind(fields map[string]any) string {
	if k, ok := fields["kind"].(string); ok && k != "" {
		return k
	}
	to, ok := fields["to"]
	if !ok || to == nil || to == "" {
		return KindDeploy
	}
	return KindCall
}

// payloadNetwork returns the "network" field, falling back to the decimal
// chain id.
func payloadNetwork(fields map[string]any) string {
	if n, ok := fields["network"].(string); ok && n != "" {
		return n
	}
	switch id := fields["chainId"].(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case string:
		if n, err := strconv.ParseInt(id, 0, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return id
	}
	return ""
}

func fieldString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// EvalResult is the output of a policy engine evaluation.
type EvalResult struct {
	Verdict api.Verdict `json:"verdict"`
	Rule    string      `json:"rule,omitempty"`
	Message string      `json:"message,omitempty"`
}

// RequiresHuman reports whether the verdict needs an approval request.
func (r *EvalResult) RequiresHuman() bool {
	return r.Verdict != api.VerdictDeny
}
