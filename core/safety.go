package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/qbloq/askdb/engine"
)

// The safety validator is a second, independent gate. It never trusts the
// model's own safety verdict: every canonical query passes through here
// before execution regardless of what the model promised.

// allowedStages is the fixed MongoDB aggregation stage allow-list.
var allowedStages = map[string]bool{
	"$match": true, "$group": true, "$sort": true, "$limit": true,
	"$skip": true, "$project": true, "$lookup": true, "$unwind": true,
	"$count": true, "$addFields": true, "$facet": true, "$bucket": true,
}

// blockedOperators are rejected at any nesting depth. $where, $function
// and $accumulator run code; $out and $merge write; the rest leak server
// state.
var blockedOperators = map[string]bool{
	"$where": true, "$function": true, "$accumulator": true,
	"$out": true, "$merge": true, "$eval": true,
	"$planCacheStats": true, "$currentOp": true, "$indexStats": true,
}

// disallowedSQLKeywords are rejected anywhere in SQL text, not just as
// the leading token.
var disallowedSQLKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER",
	"TRUNCATE", "GRANT", "REVOKE", "EXEC",
}

var (
	sqlKeywordRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|create|alter|truncate|grant|revoke|exec)\b`)

	// jsClosureRe catches inline code smuggled into queries: function
	// literals and arrow functions, the shapes legacy $where accepts.
	jsClosureRe = regexp.MustCompile(`(?i)(function\s*\(|=>|\$where)`)
)

// ValidateQuery applies the engine-appropriate safety checks and returns
// a possibly rewritten query (MongoDB pipelines get a default $limit).
func (e *Engine) ValidateQuery(q engine.Query) (engine.Query, error) {
	if q.IsMongo() {
		return e.validateMongo(q)
	}
	return q, validateSQLText(q.SQL)
}

func validateSQLText(sqlText string) error {
	if strings.TrimSpace(sqlText) == "" {
		return &SafetyViolation{Reason: "empty query"}
	}
	if m := sqlKeywordRe.FindString(sqlText); m != "" {
		return &SafetyViolation{
			Keyword: strings.ToUpper(m),
			Reason:  "is not allowed in generated queries",
		}
	}
	if m := jsClosureRe.FindString(sqlText); m != "" {
		return &SafetyViolation{
			Keyword: m,
			Reason:  "inline code is not allowed in generated queries",
		}
	}
	return nil
}

func (e *Engine) validateMongo(q engine.Query) (engine.Query, error) {
	if err := scanValue(q.Filter); err != nil {
		return q, err
	}

	// Find options carry projections and sorts straight to the driver, so
	// they get the same operator and inline-code scan as stage bodies.
	if err := scanValue(q.Options); err != nil {
		return q, err
	}
	if err := scanForInlineCode(q.Options); err != nil {
		return q, err
	}

	if q.Operation == "aggregate" || len(q.Pipeline) > 0 {
		if len(q.Pipeline) > e.conf.MaxPipelineStages {
			return q, &SafetyViolation{Reason: fmt.Sprintf(
				"pipeline has %d stages, maximum is %d", len(q.Pipeline), e.conf.MaxPipelineStages)}
		}

		hasLimit := false
		for _, stage := range q.Pipeline {
			if len(stage) != 1 {
				return q, &SafetyViolation{Reason: "each pipeline stage must have exactly one operator"}
			}
			for name, body := range stage {
				if blockedOperators[name] {
					return q, &SafetyViolation{Stage: name, Reason: "is blocked"}
				}
				if !allowedStages[name] {
					return q, &SafetyViolation{Stage: name, Reason: "is not in the allowed stage set"}
				}
				if err := scanValue(body); err != nil {
					return q, err
				}
				if name == "$addFields" {
					if err := scanForInlineCode(body); err != nil {
						return q, err
					}
				}
				if name == "$limit" {
					hasLimit = true
				}
			}
		}

		if !hasLimit {
			// One row past the cap, so the executor can still observe that
			// the server had more. The read loop stops at MaxRows.
			q.Pipeline = append(q.Pipeline, map[string]any{"$limit": e.conf.MaxRows + 1})
		}
	}
	return q, nil
}

// scanValue walks a query value and rejects blocked operators regardless
// of nesting depth.
func scanValue(v any) error {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if blockedOperators[k] {
				return &SafetyViolation{Stage: k, Reason: "is blocked"}
			}
			if err := scanValue(inner); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range val {
			if err := scanValue(inner); err != nil {
				return err
			}
		}
	case []map[string]any:
		for _, inner := range val {
			if err := scanValue(inner); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanForInlineCode rejects function/arrow syntax inside stage bodies,
// which some engines would evaluate.
func scanForInlineCode(v any) error {
	switch val := v.(type) {
	case string:
		if jsClosureRe.MatchString(val) {
			return &SafetyViolation{Reason: "inline code is not allowed in stage bodies"}
		}
	case map[string]any:
		for _, inner := range val {
			if err := scanForInlineCode(inner); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range val {
			if err := scanForInlineCode(inner); err != nil {
				return err
			}
		}
	}
	return nil
}
