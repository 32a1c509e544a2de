package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/askdb/engine"
	"github.com/qbloq/askdb/provider"
)

// seedDocs is a small customer dataset the fake adapter filters over.
// Three customers live in New York; two of those have a lifetime value
// above 5000.
var seedDocs = []map[string]any{
	{"name": "Ada", "city": "New York", "lifetime_value": 12500},
	{"name": "Ben", "city": "Boston", "lifetime_value": 900},
	{"name": "Cleo", "city": "Chicago", "lifetime_value": 4100},
	{"name": "Dev", "city": "New York", "lifetime_value": 7800},
	{"name": "Eli", "city": "Austin", "lifetime_value": 5600},
	{"name": "Fay", "city": "Denver", "lifetime_value": 300},
	{"name": "Gus", "city": "Boston", "lifetime_value": 2200},
	{"name": "Hope", "city": "Seattle", "lifetime_value": 6700},
	{"name": "Ira", "city": "Miami", "lifetime_value": 1500},
	{"name": "Joy", "city": "Portland", "lifetime_value": 8400},
	{"name": "Kai", "city": "Chicago", "lifetime_value": 50},
	{"name": "Lou", "city": "New York", "lifetime_value": 3200},
}

// filterDocs applies a filter of equality and $gt conditions over
// seedDocs and honors the row limit the way a real adapter would.
func filterDocs(q engine.Query, limit int) *engine.Result {
	var rows []map[string]any
	truncated := false
	for _, doc := range seedDocs {
		match := true
		for k, v := range q.Filter {
			if !matchValue(doc[k], v) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if len(rows) >= limit {
			truncated = true
			break
		}
		rows = append(rows, doc)
	}
	return &engine.Result{Rows: rows, RowCount: len(rows), Truncated: truncated}
}

func matchValue(have, want any) bool {
	cond, ok := want.(map[string]any)
	if !ok {
		return have == want
	}
	for op, arg := range cond {
		switch op {
		case "$gt":
			h, okH := asFloat(have)
			a, okA := asFloat(arg)
			if !okH || !okA || h <= a {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func execEnv(t *testing.T, conf Config, responses map[string]string) (*testEnv, *Connection) {
	env := newTestEnv(t, conf, &provider.Static{Responses: responses, Default: nyFindResponse})
	env.adapter.executeFn = func(ctx context.Context, cfg engine.Config, q engine.Query, limit int) (*engine.Result, error) {
		return filterDocs(q, limit), nil
	}
	conn := env.seedConnection(t, "t1", engine.TypeMongoDB, customersTables())
	return env, conn
}

func TestExecuteEndToEnd(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	ctx := context.Background()
	id := Identity{UserID: "u1", TenantID: "t1"}

	resp, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID,
		Question:     "Show me all customers in New York",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.False(t, resp.RequiresConfirmation)

	res := resp.Result
	assert.Equal(t, ExecSuccess, res.Status)
	assert.Equal(t, 3, res.RowCount)
	assert.False(t, res.Truncated)
	assert.False(t, res.Cached)
	for _, row := range res.Rows {
		assert.Equal(t, "New York", row["city"])
	}

	entries := env.audit.byTenant("t1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].SafetyPassed)
	assert.Equal(t, ExecSuccess, entries[0].Status)
	assert.Equal(t, 3, entries[0].RowCount)
	assert.Equal(t, res.ID, entries[0].ExecutionID)
	assert.NotEmpty(t, entries[0].QueryText)
}

func TestExecuteHighValueCityFilter(t *testing.T) {
	env, conn := execEnv(t, Config{}, map[string]string{
		"Which New York customers have a lifetime value over 5000?": `{
		  "query": {"collection": "customers", "operation": "find",
		    "filter": {"city": "New York", "lifetime_value": {"$gt": 5000}}},
		  "explain": "customers in New York whose lifetime value exceeds 5000",
		  "requires_indexes": ["customers.city"],
		  "safety": {"allowed": true, "reason": "read-only"}
		}`,
	})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	resp, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID,
		Question:     "Which New York customers have a lifetime value over 5000?",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)

	// three New York customers exist, the $gt condition keeps two
	require.Equal(t, 2, resp.Result.RowCount)
	names := []string{}
	for _, row := range resp.Result.Rows {
		assert.Equal(t, "New York", row["city"])
		names = append(names, row["name"].(string))
	}
	assert.ElementsMatch(t, []string{"Ada", "Dev"}, names)
}

func TestExecuteResultCache(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	ctx := context.Background()
	id := Identity{TenantID: "t1"}
	req := ExecuteRequest{ConnectionID: conn.ID, Question: "customers in new york"}

	first, err := env.engine.Execute(ctx, id, req)
	require.NoError(t, err)
	second, err := env.engine.Execute(ctx, id, req)
	require.NoError(t, err)

	assert.True(t, second.Result.Cached)
	assert.Equal(t, first.Result.ID, second.Result.ID)
	assert.Equal(t, 1, env.adapter.executions())
}

func TestExecuteRefusedQuestion(t *testing.T) {
	refusal := `{
	  "query": {},
	  "explain": "",
	  "requires_indexes": [],
	  "safety": {"allowed": false, "reason": "This operation would modify data. Only read queries are supported."}
	}`
	env, conn := execEnv(t, Config{}, map[string]string{
		"Delete all old records": refusal,
	})

	_, err := env.engine.Execute(context.Background(), Identity{TenantID: "t1"}, ExecuteRequest{
		ConnectionID: conn.ID,
		Question:     "Delete all old records",
	})
	var sv *SafetyViolation
	require.ErrorAs(t, err, &sv)

	// both the translation-time rejection and the execution attempt are
	// audited, and no database work happened
	entries := env.audit.byTenant("t1")
	require.Len(t, entries, 2)
	assert.False(t, entries[0].SafetyPassed)
	assert.Equal(t, ExecRejected, entries[0].Status)
	assert.False(t, entries[1].SafetyPassed)
	assert.Equal(t, ExecFailed, entries[1].Status)
	assert.Equal(t, 0, env.adapter.executions())
}

const expensiveResponse = `{
  "query": {"collection": "orders", "operation": "aggregate", "pipeline": [
    {"$lookup": {"from": "customers", "localField": "customer_id", "foreignField": "_id", "as": "customer"}},
    {"$facet": {"totals": [{"$count": "n"}]}},
    {"$limit": 100}
  ]},
  "explain": "joins orders to customers and buckets totals",
  "requires_indexes": [],
  "safety": {"allowed": true, "reason": "read-only aggregate"}
}`

func TestExecuteConfirmationGate(t *testing.T) {
	env, conn := execEnv(t, Config{}, map[string]string{
		"join orders with customers": expensiveResponse,
	})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	resp, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID,
		Question:     "join orders with customers",
	})
	require.NoError(t, err)
	assert.True(t, resp.RequiresConfirmation)
	assert.Nil(t, resp.Result)
	assert.Greater(t, resp.Translation.EstimatedCost, 0.7)

	// nothing touched the database while awaiting confirmation
	assert.Equal(t, 0, env.adapter.executions())

	confirmed, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID,
		Question:     "join orders with customers",
		Confirmed:    true,
	})
	require.NoError(t, err)
	assert.False(t, confirmed.RequiresConfirmation)
	require.NotNil(t, confirmed.Result)
	assert.Equal(t, 1, env.adapter.executions())
}

func TestPreview(t *testing.T) {
	env, conn := execEnv(t, Config{}, map[string]string{
		"all customers": `{
		  "query": {"collection": "customers", "operation": "find", "filter": {}},
		  "explain": "returns every customer",
		  "requires_indexes": [],
		  "safety": {"allowed": true, "reason": "read-only"}
		}`,
	})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}
	req := ExecuteRequest{ConnectionID: conn.ID, Question: "all customers"}

	resp, err := env.engine.Preview(ctx, id, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, ExecPreview, resp.Result.Status)
	assert.Equal(t, 10, resp.Result.RowCount)
	assert.True(t, resp.Result.Truncated)

	// preview never becomes the canonical cached result
	full, err := env.engine.Execute(ctx, id, req)
	require.NoError(t, err)
	assert.False(t, full.Result.Cached)
	assert.Equal(t, len(seedDocs), full.Result.RowCount)
	assert.Equal(t, 2, env.adapter.executions())
}

func TestReplayBypassesResultCache(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	resp, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID, Question: "customers in new york",
	})
	require.NoError(t, err)

	replayed, err := env.engine.Replay(ctx, id, resp.Translation.ID)
	require.NoError(t, err)
	assert.NotEqual(t, resp.Result.ID, replayed.Result.ID)
	assert.Equal(t, 2, env.adapter.executions())

	// replaying someone else's translation is a not-found, not a leak
	_, err = env.engine.Replay(ctx, Identity{TenantID: "t2"}, resp.Translation.ID)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestGetResultTenantScoped(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	resp, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID, Question: "customers in new york",
	})
	require.NoError(t, err)

	got, err := env.engine.GetResult(ctx, id, resp.Result.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Result.ID, got.ID)

	_, err = env.engine.GetResult(ctx, Identity{TenantID: "t2"}, resp.Result.ID)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = env.engine.GetResult(ctx, id, "missing")
	require.ErrorAs(t, err, &nf)
}

func TestExecuteTimeout(t *testing.T) {
	env, conn := execEnv(t, Config{ExecTimeout: 50 * time.Millisecond}, nil)
	env.adapter.executeFn = func(ctx context.Context, cfg engine.Config, q engine.Query, limit int) (*engine.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := env.engine.Execute(context.Background(), Identity{TenantID: "t1"}, ExecuteRequest{
		ConnectionID: conn.ID, Question: "customers in new york",
	})
	var te *ExecutionTimeout
	require.ErrorAs(t, err, &te)

	entries := env.audit.byTenant("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, ExecFailed, entries[0].Status)
	assert.Contains(t, entries[0].Error, "timeout")
}

func TestCancelRunningExecution(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	started := make(chan struct{})
	env.adapter.executeFn = func(ctx context.Context, cfg engine.Config, q engine.Query, limit int) (*engine.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	id := Identity{TenantID: "t1"}
	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Execute(context.Background(), id, ExecuteRequest{
			ConnectionID: conn.ID, Question: "customers in new york",
		})
		done <- err
	}()

	<-started
	var execID string
	require.Eventually(t, func() bool {
		env.engine.running.Range(func(k, v any) bool {
			execID = k.(string)
			return false
		})
		return execID != ""
	}, time.Second, 5*time.Millisecond)

	// a different tenant cannot cancel it
	err := env.engine.Cancel(context.Background(), Identity{TenantID: "t2"}, execID)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	require.NoError(t, env.engine.Cancel(context.Background(), id, execID))

	err = <-done
	var xerr *ExecutionError
	require.ErrorAs(t, err, &xerr)

	entries := env.audit.byTenant("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, ExecCancelled, entries[0].Status)
}

func TestCancelUnknownExecution(t *testing.T) {
	env, _ := execEnv(t, Config{}, nil)
	err := env.engine.Cancel(context.Background(), Identity{TenantID: "t1"}, "nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestExecuteReadOnlyViolationPassthrough(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	env.adapter.executeFn = func(ctx context.Context, cfg engine.Config, q engine.Query, limit int) (*engine.Result, error) {
		return nil, &engine.ReadOnlyViolation{Keyword: "INSERT"}
	}

	_, err := env.engine.Execute(context.Background(), Identity{TenantID: "t1"}, ExecuteRequest{
		ConnectionID: conn.ID, Question: "customers in new york",
	})
	var rov *engine.ReadOnlyViolation
	require.ErrorAs(t, err, &rov)
}

func TestResultExpiry(t *testing.T) {
	env, conn := execEnv(t, Config{ResultTTL: 30 * time.Millisecond}, nil)
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	resp, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID, Question: "customers in new york",
	})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = env.engine.GetResult(ctx, id, resp.Result.ID)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	// an expired result is also no longer served for repeat executions
	again, err := env.engine.Execute(ctx, id, ExecuteRequest{
		ConnectionID: conn.ID, Question: "customers in new york",
	})
	require.NoError(t, err)
	assert.False(t, again.Result.Cached)
	assert.Equal(t, 2, env.adapter.executions())
}

func TestExecuteUsageBilledPerExecution(t *testing.T) {
	env, conn := execEnv(t, Config{}, nil)
	ctx := context.Background()
	id := Identity{TenantID: "t1"}
	req := ExecuteRequest{ConnectionID: conn.ID, Question: "customers in new york"}

	_, err := env.engine.Execute(ctx, id, req)
	require.NoError(t, err)
	// second call is fully cached: no new translation, no new execution
	_, err = env.engine.Execute(ctx, id, req)
	require.NoError(t, err)

	usage := env.usage.counts["t1"]
	assert.Equal(t, 2, usage.Queries) // one translation, one execution
}
