package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/open-policy-agent/opa/topdown"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/tracing"
)

const opaQuery = "data.deploygate"

// OPAEngine evaluates payloads with an embedded Rego policy.
//
// The policy lives in package deploygate and may define:
//
//	verdict:   "ask" | "deny" | "log"   (default "ask")
//	rule_name: string
//	message:   string
//
// It sees this input:
//
//	input.task_id: string
//	input.kind:    "deploy" | "call"
//	input.network: decimal chain id or the payload's "network" field
//	input.payload: the payload object
type OPAEngine struct {
	path string

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewOPAEngine compiles the .rego file at path.
func NewOPAEngine(path string) (*OPAEngine, error) {
	e := &OPAEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewOPAEngineFromSource compiles raw Rego source. Reload is a no-op.
func NewOPAEngineFromSource(source string) (*OPAEngine, error) {
	q, err := compileRego(context.Background(), "policy.rego", source)
	if err != nil {
		return nil, err
	}
	return &OPAEngine{query: q}, nil
}

func (e *OPAEngine) Evaluate(ctx context.Context, input *EvalInput) (res *EvalResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "policy.evaluate", trace.SpanKindInternal,
		attribute.String("policy.engine", "opa"),
		attribute.String("task.id", input.TaskID),
	)
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("policy.verdict", string(res.Verdict)))
		}
		tracing.EndSpan(span, err)
	}()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(opaInput(input)))
	if err != nil {
		// A runtime error in the policy (conflicting rules, bad builtin
		// call) denies the payload; anything else is an engine failure.
		if topdown.IsError(err) {
			return &EvalResult{
				Verdict: api.VerdictDeny,
				Rule:    "_opa_error",
				Message: "OPA evaluation error: " + err.Error(),
			}, nil
		}
		return nil, fmt.Errorf("OPA evaluation failed: %w", err)
	}
	return decodeResultSet(rs), nil
}

// Reload recompiles the policy file. On failure the previous policy stays
// in effect.
func (e *OPAEngine) Reload(ctx context.Context) error {
	if e.path == "" {
		return nil
	}
	src, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading OPA policy file: %w", err)
	}
	q, err := compileRego(ctx, filepath.Base(e.path), string(src))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.query = q
	e.mu.Unlock()
	return nil
}

func compileRego(ctx context.Context, name, source string) (rego.PreparedEvalQuery, error) {
	q, err := rego.New(
		rego.Query(opaQuery),
		rego.Module(name, source),
		rego.Store(inmem.New()),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compiling Rego policy %s: %w", name, err)
	}
	return q, nil
}

func opaInput(in *EvalInput) map[string]any {
	fields := in.fields()
	return map[string]any{
		"task_id": in.TaskID,
		"kind":    payloadKind(fields),
		"network": payloadNetwork(fields),
		"payload": fields,
	}
}

func decodeResultSet(rs rego.ResultSet) *EvalResult {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &EvalResult{
			Verdict: api.VerdictAsk,
			Rule:    "_opa_default",
			Message: "OPA policy returned no result",
		}
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return &EvalResult{
			Verdict: api.VerdictDeny,
			Rule:    "_opa_parse_error",
			Message: "unexpected OPA result type",
		}
	}
	return parseOPAResult(doc)
}

// parseOPAResult maps the package document to a result. Verdicts this
// gate does not know deny.
func parseOPAResult(doc map[string]any) *EvalResult {
	res := &EvalResult{Verdict: api.VerdictAsk}
	res.Rule, _ = doc["rule_name"].(string)
	res.Message, _ = doc["message"].(string)

	v, ok := doc["verdict"].(string)
	if !ok {
		return res
	}
	if !validVerdict(v) {
		res.Verdict = api.VerdictDeny
		res.Message = fmt.Sprintf("unknown verdict %q", v)
		return res
	}
	res.Verdict = api.Verdict(v)
	return res
}
