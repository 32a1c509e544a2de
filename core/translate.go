package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/qbloq/askdb/engine"
	"github.com/qbloq/askdb/provider"
)

// SafetyVerdict is the dual verdict attached to every translation: what
// the model claimed, re-checked by the independent validator.
type SafetyVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Translation is the canonical output of the pipeline for one unique
// (tenant, connection, question, context) tuple. It is read-mostly after
// creation.
type Translation struct {
	ID              string        `json:"translation_id"`
	TenantID        string        `json:"tenant_id"`
	UserID          string        `json:"user_id"`
	ConnectionID    string        `json:"connection_id"`
	SourceText      string        `json:"source_text"`
	Query           engine.Query  `json:"query"`
	Explain         string        `json:"explain"`
	EstimatedCost   float64       `json:"estimated_cost"`
	RequiresIndexes []string      `json:"requires_indexes"`
	Safety          SafetyVerdict `json:"safety"`
	TokensUsed      int           `json:"tokens_used"`
	Cached          bool          `json:"cached"`
	CreatedAt       time.Time     `json:"created_at"`
}

// TranslateRequest identifies one translation.
type TranslateRequest struct {
	ConnectionID string
	Question     string
	Context      *ContextHints
}

// fingerprint computes the translation cache key. The question text is
// normalized (case, whitespace) so trivially re-phrased requests hit the
// cache.
func fingerprint(tenantID string, req TranslateRequest) (string, error) {
	type key struct {
		Tenant     string
		Connection string
		Question   string
		Context    *ContextHints
	}
	h, err := hashstructure.Hash(key{
		Tenant:     tenantID,
		Connection: req.ConnectionID,
		Question:   normalizeQuestion(req.Question),
		Context:    req.Context,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("t%016x", h), nil
}

func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Translate converts a question into a canonical query with a safety
// verdict. Identical requests share one model invocation: the first
// caller builds, concurrent duplicates await the same in-flight result,
// and later calls return the cached translation marked Cached.
func (e *Engine) Translate(ctx context.Context, id Identity, req TranslateRequest) (*Translation, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, &ValidationError{Field: "question", Reason: "must not be empty"}
	}

	fp, err := fingerprint(id.TenantID, req)
	if err != nil {
		return nil, err
	}

	if v, ok := e.translationCache.Get(fp); ok {
		return cachedCopy(v.(*Translation)), nil
	}

	v, err, shared := e.flight.Do(fp, func() (any, error) {
		t, err := e.buildTranslation(ctx, id, req, fp)
		if err != nil {
			return nil, err
		}
		e.translationCache.Put(fp, t, e.conf.TranslationTTL)
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	t := v.(*Translation)
	if shared {
		// A concurrent duplicate awaited someone else's build.
		return cachedCopy(t), nil
	}
	return t, nil
}

func cachedCopy(t *Translation) *Translation {
	c := *t
	c.Cached = true
	return &c
}

func (e *Engine) buildTranslation(ctx context.Context, id Identity, req TranslateRequest, fp string) (*Translation, error) {
	conn, err := e.store.GetConnection(ctx, id.TenantID, req.ConnectionID)
	if err != nil {
		return nil, err
	}

	shortlist, err := e.Shortlist(ctx, id, req.Question, req.Context)
	if err != nil {
		return nil, err
	}
	if len(shortlist) > e.conf.ShortlistSize {
		shortlist = shortlist[:e.conf.ShortlistSize]
	}

	system := buildSystemPrompt(conn.EngineType, id.Role, shortlist)

	// One automatic retry for transient provider failures; everything
	// else surfaces immediately.
	var res *provider.Result
	err = retry.Do(
		func() error {
			var gerr error
			res, gerr = e.prov.Generate(ctx, system, req.Question)
			return gerr
		},
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(provider.IsTransient),
	)
	if err != nil {
		return nil, &TranslationProviderError{Err: err}
	}

	parsed, err := parseModelOutput(res.Text, conn.EngineType)
	if err != nil {
		return nil, err
	}

	t := &Translation{
		ID:              fp,
		TenantID:        id.TenantID,
		UserID:          id.UserID,
		ConnectionID:    req.ConnectionID,
		SourceText:      req.Question,
		Query:           parsed.query,
		Explain:         parsed.explain,
		RequiresIndexes: parsed.requiresIndexes,
		Safety:          parsed.safety,
		TokensUsed:      res.TokensUsed,
		CreatedAt:       time.Now().UTC(),
	}
	t.EstimatedCost = estimateCost(t.Query)

	// Independent safety gate; the model's verdict is advisory only.
	if t.Safety.Allowed {
		q, verr := e.ValidateQuery(t.Query)
		if verr != nil {
			t.Safety = SafetyVerdict{Allowed: false, Reason: verr.Error()}
		} else {
			t.Query = q
		}
	}

	// Every rejection is audited at translation time, not just when an
	// execution is attempted, so repeated probing stays visible.
	if !t.Safety.Allowed {
		e.appendAudit(ctx, &AuditEntry{
			TenantID:      id.TenantID,
			UserID:        id.UserID,
			ConnectionID:  req.ConnectionID,
			TranslationID: t.ID,
			Question:      req.Question,
			QueryText:     renderQuery(t),
			SafetyPassed:  false,
			Status:        ExecRejected,
			Error:         t.Safety.Reason,
		})
	}

	if e.usage != nil {
		e.usage.RecordUsage(id.TenantID, Usage{Queries: 1, Tokens: t.TokensUsed})
	}
	e.log.Debugw("translation built",
		"tenant", id.TenantID, "fingerprint", fp,
		"allowed", t.Safety.Allowed, "cost", t.EstimatedCost)
	return t, nil
}

type parsedOutput struct {
	query           engine.Query
	explain         string
	requiresIndexes []string
	safety          SafetyVerdict
}

// parseModelOutput parses model text as JSON, tolerating a wrapping code
// fence. Every required field must be present and well-typed; nothing is
// coerced best-effort.
func parseModelOutput(text, engineType string) (*parsedOutput, error) {
	text = stripCodeFence(text)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, &TranslationFormatError{Reason: "response is not valid JSON: " + err.Error()}
	}

	out := &parsedOutput{}

	sraw, ok := raw["safety"]
	if !ok {
		return nil, &TranslationFormatError{Reason: "missing field safety"}
	}
	var safety struct {
		Allowed *bool  `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(sraw, &safety); err != nil || safety.Allowed == nil {
		return nil, &TranslationFormatError{Reason: "safety must contain a boolean allowed and a reason"}
	}
	out.safety = SafetyVerdict{Allowed: *safety.Allowed, Reason: safety.Reason}

	eraw, ok := raw["explain"]
	if !ok {
		return nil, &TranslationFormatError{Reason: "missing field explain"}
	}
	if err := json.Unmarshal(eraw, &out.explain); err != nil {
		return nil, &TranslationFormatError{Reason: "explain must be a string"}
	}

	iraw, ok := raw["requires_indexes"]
	if !ok {
		return nil, &TranslationFormatError{Reason: "missing field requires_indexes"}
	}
	if err := json.Unmarshal(iraw, &out.requiresIndexes); err != nil {
		return nil, &TranslationFormatError{Reason: "requires_indexes must be an array of strings"}
	}

	qraw, ok := raw["query"]
	if !ok {
		return nil, &TranslationFormatError{Reason: "missing field query"}
	}
	// A refusal carries an empty query; that shape is valid as long as
	// safety.allowed is false.
	if err := json.Unmarshal(qraw, &out.query); err != nil {
		return nil, &TranslationFormatError{Reason: "query has an invalid shape: " + err.Error()}
	}
	if out.safety.Allowed {
		if engineType == engine.TypeMongoDB {
			if out.query.Collection == "" {
				return nil, &TranslationFormatError{Reason: "mongodb query requires a collection"}
			}
			if out.query.Operation == "" {
				out.query.Operation = "find"
			}
			if out.query.Operation != "find" && out.query.Operation != "aggregate" {
				return nil, &TranslationFormatError{Reason: "operation must be find or aggregate"}
			}
		} else if strings.TrimSpace(out.query.SQL) == "" {
			return nil, &TranslationFormatError{Reason: "query requires sql text"}
		}
	}
	return out, nil
}

// stripCodeFence removes a wrapping markdown fence, with or without a
// language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first == "json" || first == "" {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// estimateCost assigns a coarse [0,1] complexity score. It exists only to
// gate the user confirmation step for expensive queries; it is not a
// query-planner cost model and is never treated as one.
func estimateCost(q engine.Query) float64 {
	cost := 0.15

	if q.IsMongo() {
		cost += 0.08 * float64(len(q.Pipeline))
		for _, stage := range q.Pipeline {
			for name := range stage {
				switch name {
				case "$lookup":
					cost += 0.25
				case "$facet", "$bucket":
					cost += 0.3
				case "$group":
					cost += 0.1
				}
			}
		}
	} else {
		lower := strings.ToLower(q.SQL)
		cost += 0.2 * float64(strings.Count(lower, " join "))
		if strings.Contains(lower, "group by") {
			cost += 0.15
		}
		if strings.Contains(lower, "distinct") {
			cost += 0.1
		}
		if strings.Contains(lower, "union") {
			cost += 0.15
		}
	}

	if cost > 1 {
		cost = 1
	}
	return cost
}
