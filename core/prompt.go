package core

import (
	"fmt"
	"strings"

	"github.com/qbloq/askdb/engine"
)

// The translation prompt embeds the target engine, the shortlisted
// schema, the caller's role and a fixed set of few-shot examples showing
// both a safe translation and a refusal. The model must answer with a
// single JSON object; anything else fails parsing downstream.

const promptHeader = `You translate natural-language questions into database queries.
You must respond with a single JSON object and nothing else, with these fields:
  "query"            the query to run (see engine rules below)
  "explain"          one sentence describing what the query does
  "requires_indexes" array of column names an index would help, may be empty
  "safety"           {"allowed": bool, "reason": string}

Rules:
- Only read data. Never write, delete, alter or administer anything.
- If the question asks for a mutation or anything destructive, set
  safety.allowed to false, explain why in safety.reason, and leave the
  query empty.
- Only reference tables and columns from the schema below.`

const sqlQueryRules = `
Engine: %s. The "query" field must be {"sql": "<SELECT statement>"}.
Use only SELECT statements in the %s dialect.`

const mongoQueryRules = `
Engine: mongodb. The "query" field must be either
  {"collection": "<name>", "operation": "find", "filter": {...}, "options": {...}}
or
  {"collection": "<name>", "operation": "aggregate", "pipeline": [{...}, ...]}
Allowed aggregation stages: $match $group $sort $limit $skip $project
$lookup $unwind $count $addFields $facet $bucket.`

const fewShotExamples = `
Examples:

Question: "Show customers from New York with lifetime value over 5000"
Response: {"query": {"collection": "customers", "operation": "find",
  "filter": {"city": "New York", "lifetime_value": {"$gt": 5000}}},
  "explain": "Finds customers in New York whose lifetime value exceeds 5000.",
  "requires_indexes": ["city"],
  "safety": {"allowed": true, "reason": "read-only lookup"}}

Question: "Delete all old records"
Response: {"query": {},
  "explain": "The question asks to delete data, which is not allowed.",
  "requires_indexes": [],
  "safety": {"allowed": false, "reason": "destructive operation requested"}}`

// buildSystemPrompt assembles the full system prompt for one translation.
func buildSystemPrompt(engineType, role string, shortlist []TableMatch) string {
	var b strings.Builder
	b.WriteString(promptHeader)

	if engineType == engine.TypeMongoDB {
		b.WriteString(mongoQueryRules)
	} else {
		fmt.Fprintf(&b, sqlQueryRules, engineType, engineType)
	}

	b.WriteString("\n\nSchema (most relevant tables first):\n")
	for _, m := range shortlist {
		writeTableSchema(&b, m.Table)
	}

	if role != "" {
		fmt.Fprintf(&b, "\nThe caller's role is %q.\n", role)
	}
	b.WriteString(fewShotExamples)
	return b.String()
}

func writeTableSchema(b *strings.Builder, t engine.Table) {
	fmt.Fprintf(b, "- %s (", t.Name)
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(c.Type)
		if c.PrimaryKey {
			b.WriteString(" PK")
		}
		if c.ForeignKey != "" {
			b.WriteString(" FK->" + c.ForeignKey)
		}
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(")\n")
}
