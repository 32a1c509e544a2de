package core

import (
	"context"
	"sort"
	"strings"

	"github.com/qbloq/askdb/engine"
)

// AggregatedSchema is the per-tenant normalized view over every active
// connection's cached schema. It is a derived, time-bounded snapshot:
// rebuilt wholesale on expiry or explicit refresh, never patched, so
// concurrent readers observe either the old or the fully-new value.
type AggregatedSchema struct {
	Connections []ConnectionSchema `json:"connections"`
	BuiltAt     int64              `json:"built_at"`
}

// ConnectionSchema pairs a connection with its table snapshots.
type ConnectionSchema struct {
	ConnectionID string         `json:"connection_id"`
	EngineType   string         `json:"engine_type"`
	Tables       []engine.Table `json:"tables"`
}

// ContextHints bias ranking toward what the caller touched recently.
// Hints influence scores, never correctness.
type ContextHints struct {
	LastConnectionID string
	RecentTables     []string
}

// TableMatch is one ranked shortlist entry. Reasons are human-readable
// and exist for observability, not for ranking.
type TableMatch struct {
	ConnectionID string
	EngineType   string
	Table        engine.Table
	Score        int
	Reasons      []string
}

// Scoring weights. The algorithm is intentionally additive and fully
// deterministic so it is unit-testable without a language model.
const (
	weightTableExact    = 20
	weightTablePartial  = 10
	weightColumnExact   = 8
	weightColumnPartial = 4
	weightColumnWeak    = 2
	weightKeywordTable  = 5
	weightKeywordColumn = 3
	weightRevenueBoost  = 12
	weightRichTable     = 2
	weightHintConn      = 10
	weightHintTable     = 15
)

// businessKeywords are domain nouns that commonly name tables.
var businessKeywords = []string{
	"user", "customer", "account", "order", "payment", "invoice",
	"subscription", "product", "item", "transaction", "event",
	"session", "message", "ticket", "plan", "team", "project",
}

// revenueTerms trigger the revenue-table boost.
var revenueTerms = []string{"revenue", "mrr", "arr", "income", "earnings", "sales", "billing"}

// revenueColumns mark a table as revenue-shaped.
var revenueColumns = []string{"amount", "price", "total", "revenue", "mrr", "value"}

// AggregatedSchemaFor returns the tenant's aggregated schema, rebuilt if
// refresh is set or the cached copy expired.
func (e *Engine) AggregatedSchemaFor(ctx context.Context, id Identity, refresh bool) (*AggregatedSchema, error) {
	if !refresh {
		if v, ok := e.schemaCache.Get(id.TenantID); ok {
			return v.(*AggregatedSchema), nil
		}
	}

	v, err, _ := e.flight.Do("schema:"+id.TenantID, func() (any, error) {
		return e.buildAggregatedSchema(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AggregatedSchema), nil
}

func (e *Engine) buildAggregatedSchema(ctx context.Context, id Identity) (*AggregatedSchema, error) {
	conns, err := e.store.ListConnections(ctx, id.TenantID)
	if err != nil {
		return nil, err
	}

	agg := &AggregatedSchema{}
	for _, conn := range conns {
		if conn.Status == StatusInactive || len(conn.SchemaTables) == 0 {
			continue
		}
		agg.Connections = append(agg.Connections, ConnectionSchema{
			ConnectionID: conn.ID,
			EngineType:   conn.EngineType,
			Tables:       conn.SchemaTables,
		})
		agg.BuiltAt = max(agg.BuiltAt, conn.SchemaUpdatedAt.Unix())
	}

	e.schemaCache.Put(id.TenantID, agg, e.conf.SchemaTTL)
	return agg, nil
}

// Shortlist ranks every known table against the question and returns the
// full ordered list; callers take the head they need.
func (e *Engine) Shortlist(ctx context.Context, id Identity, question string, hints *ContextHints) ([]TableMatch, error) {
	agg, err := e.AggregatedSchemaFor(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return rankTables(agg, question, hints), nil
}

// rankTables scores each (connection, table) pair by summing weighted
// signals and sorts descending; ties keep original order.
func rankTables(agg *AggregatedSchema, question string, hints *ContextHints) []TableMatch {
	tokens := tokenize(question)
	fields := fieldCandidates(tokens)
	keywords := matchedKeywords(tokens)
	revenue := hasAny(tokens, revenueTerms)

	var matches []TableMatch
	for _, cs := range agg.Connections {
		for _, table := range cs.Tables {
			m := scoreTable(cs, table, tokens, fields, keywords, revenue, hints)
			if m.Score > 0 {
				matches = append(matches, m)
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

func scoreTable(cs ConnectionSchema, table engine.Table, tokens, fields, keywords []string, revenue bool, hints *ContextHints) TableMatch {
	m := TableMatch{ConnectionID: cs.ConnectionID, EngineType: cs.EngineType, Table: table}
	name := strings.ToLower(table.Name)

	// Table-name signals: an exact token match (allowing the trailing
	// plural s) outranks a substring overlap.
	for _, tok := range tokens {
		if len(tok) < 3 {
			continue
		}
		if tok == name || tok+"s" == name || tok == name+"s" {
			m.add(weightTableExact, "exact table name: "+table.Name)
			break
		}
		if strings.Contains(name, tok) || strings.Contains(tok, name) {
			m.add(weightTablePartial, "partial table name: "+table.Name)
			break
		}
	}

	// Column-name signals against literal field candidates.
	for _, col := range table.Columns {
		cname := strings.ToLower(col.Name)
		for _, f := range fields {
			switch {
			case f == cname:
				m.add(weightColumnExact, "matched field: "+col.Name)
			case strings.Contains(cname, f):
				m.add(weightColumnPartial, "partial field: "+col.Name)
			case strings.Contains(f, cname) && len(cname) >= 3:
				m.add(weightColumnWeak, "weak field: "+col.Name)
			default:
				continue
			}
			break
		}
	}

	// Business-keyword hits.
	for _, kw := range keywords {
		if strings.Contains(name, kw) {
			m.add(weightKeywordTable, "keyword in table: "+kw)
			continue
		}
		for _, col := range table.Columns {
			if strings.Contains(strings.ToLower(col.Name), kw) {
				m.add(weightKeywordColumn, "keyword in column: "+kw)
				break
			}
		}
	}

	// Revenue-shaped tables get a boost when the question asks about
	// revenue-like quantities.
	if revenue && looksLikeRevenueTable(name, table.Columns) {
		m.add(weightRevenueBoost, "revenue boost")
	}

	// Richer tables tend to be the fact tables questions are about.
	if len(table.Columns) >= 5 {
		m.add(weightRichTable, "rich table")
	}

	if hints != nil {
		if hints.LastConnectionID == cs.ConnectionID {
			m.add(weightHintConn, "recently used connection")
		}
		for _, recent := range hints.RecentTables {
			if strings.EqualFold(recent, table.Name) {
				m.add(weightHintTable, "recently used table")
				break
			}
		}
	}
	return m
}

func (m *TableMatch) add(score int, reason string) {
	m.Score += score
	m.Reasons = append(m.Reasons, reason)
}

func looksLikeRevenueTable(name string, cols []engine.Column) bool {
	if strings.Contains(name, "subscription") || strings.Contains(name, "payment") ||
		strings.Contains(name, "invoice") || strings.Contains(name, "order") {
		return true
	}
	for _, c := range cols {
		cname := strings.ToLower(c.Name)
		for _, rc := range revenueColumns {
			if strings.Contains(cname, rc) {
				return true
			}
		}
	}
	return false
}

// tokenize lowercases and splits the question on non-word runs.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// prepositions precede the nouns questions are usually about.
var prepositions = map[string]bool{
	"of": true, "from": true, "by": true, "with": true, "for": true,
	"in": true, "per": true, "over": true, "under": true, "about": true,
}

// stopwords never make useful field candidates.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "all": true, "show": true,
	"list": true, "get": true, "find": true, "me": true, "my": true,
	"how": true, "many": true, "much": true, "what": true, "which": true,
	"and": true, "or": true, "that": true, "have": true, "are": true,
	"is": true, "than": true, "last": true, "this": true,
}

// fieldCandidates extracts tokens that plausibly name columns: common
// identifier patterns plus nouns following a preposition.
func fieldCandidates(tokens []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		if !seen[t] && !stopwords[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for i, tok := range tokens {
		switch {
		case tok == "id" || tok == "name" || tok == "email" || tok == "status" ||
			tok == "city" || tok == "country" || tok == "type":
			add(tok)
		case strings.HasSuffix(tok, "_id") || strings.HasSuffix(tok, "_at"):
			add(tok)
		case i > 0 && prepositions[tokens[i-1]] && len(tok) >= 3:
			add(tok)
		case strings.Contains(tok, "_"):
			add(tok)
		}
	}

	// Join adjacent candidate words with an underscore the way column
	// names usually are ("lifetime value" -> lifetime_value).
	for i := 0; i+1 < len(tokens); i++ {
		a, b := tokens[i], tokens[i+1]
		if len(a) >= 3 && len(b) >= 3 && !stopwords[a] && !stopwords[b] {
			add(a + "_" + b)
		}
	}
	return out
}

func matchedKeywords(tokens []string) []string {
	var out []string
	for _, kw := range businessKeywords {
		for _, tok := range tokens {
			if tok == kw || tok == kw+"s" {
				out = append(out, kw)
				break
			}
		}
	}
	return out
}

func hasAny(tokens []string, terms []string) bool {
	for _, tok := range tokens {
		for _, t := range terms {
			if tok == t {
				return true
			}
		}
	}
	return false
}

func max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
