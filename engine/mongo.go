package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoAdapter implements Adapter for MongoDB using the native driver.
// MongoDB queries arrive as structured find/aggregate operations, so
// read-only enforcement is structural: only those two operations exist
// here, and the safety validator has already walked the stages.
type mongoAdapter struct{}

// sampleSize is how many documents per collection introspection samples.
const sampleSize = 100

type mongoClient struct {
	client *mongo.Client
	dbName string
}

func (c *mongoClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

func (c *mongoClient) db() *mongo.Database {
	return c.client.Database(c.dbName)
}

func (a *mongoAdapter) connString(cfg Config) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	port := cfg.Port
	if port == 0 {
		port = 27017
	}
	if cfg.User != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.User, cfg.Password, cfg.Host, port)
	}
	return fmt.Sprintf("mongodb://%s:%d", cfg.Host, port)
}

func (a *mongoAdapter) connect(cfg Config) (*mongoClient, error) {
	opts := options.Client().
		ApplyURI(a.connString(cfg)).
		SetConnectTimeout(connectTimeout(cfg)).
		SetServerSelectionTimeout(connectTimeout(cfg))
	if cfg.MaxConnections > 0 {
		opts = opts.SetMaxPoolSize(uint64(cfg.MaxConnections))
	}
	if cfg.IdleTimeout > 0 {
		opts = opts.SetMaxConnIdleTime(cfg.IdleTimeout)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	return &mongoClient{client: client, dbName: cfg.DBName}, nil
}

func (a *mongoAdapter) Test(ctx context.Context, cfg Config) error {
	mc, err := a.connect(cfg)
	if err != nil {
		return &TestFailure{Message: err.Error(), Err: err}
	}
	defer mc.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()
	if err := mc.client.Ping(ctx, nil); err != nil {
		return &TestFailure{Message: err.Error(), Err: err}
	}
	return nil
}

func (a *mongoAdapter) Open(cfg Config) (Client, error) {
	mc, err := a.connect(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout(cfg))
	defer cancel()
	if err := mc.client.Ping(ctx, nil); err != nil {
		mc.Close() //nolint:errcheck
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return mc, nil
}

// Introspect samples documents from every user collection and infers a
// field to type map. The first type seen for a field wins; _id is always
// the primary key.
func (a *mongoAdapter) Introspect(ctx context.Context, c Client, cfg Config) ([]Table, error) {
	mc, ok := c.(*mongoClient)
	if !ok {
		return nil, fmt.Errorf("engine: client is not a mongo client")
	}
	db := mc.db()

	names, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	var tables []Table
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		cols, err := sampleCollection(ctx, db.Collection(name))
		if err != nil {
			return nil, err
		}
		tables = append(tables, Table{Name: name, Schema: db.Name(), Columns: cols})
	}
	return tables, nil
}

func sampleCollection(ctx context.Context, coll *mongo.Collection) ([]Column, error) {
	pipeline := bson.A{bson.M{"$sample": bson.M{"size": sampleSize}}}

	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx) //nolint:errcheck

	var cols []Column
	seen := map[string]bool{}

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		for key, val := range doc {
			if seen[key] {
				continue
			}
			seen[key] = true
			cols = append(cols, Column{
				Name:       key,
				Type:       inferFieldType(val),
				Nullable:   key != "_id",
				PrimaryKey: key == "_id",
			})
		}
	}
	return cols, cursor.Err()
}

// inferFieldType maps a sampled BSON value to a coarse type name.
func inferFieldType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bson.ObjectID:
		return "objectId"
	case string:
		return "string"
	case int, int32, int64:
		return "long"
	case float32, float64:
		return "double"
	case bool:
		return "bool"
	case bson.DateTime, time.Time:
		return "date"
	case bson.A, []any:
		return "array"
	case bson.M, bson.D, map[string]any:
		return "object"
	case bson.Binary:
		return "binData"
	default:
		return "string"
	}
}

func (a *mongoAdapter) Execute(ctx context.Context, c Client, cfg Config, q Query, limit int) (*Result, error) {
	mc, ok := c.(*mongoClient)
	if !ok {
		return nil, fmt.Errorf("engine: client is not a mongo client")
	}
	if q.Collection == "" {
		return nil, fmt.Errorf("mongodb query requires a collection")
	}
	coll := mc.db().Collection(q.Collection)
	start := time.Now()

	var cursor *mongo.Cursor
	var err error

	switch q.Operation {
	case "", "find":
		cursor, err = runFind(ctx, coll, q, limit)
	case "aggregate":
		cursor, err = coll.Aggregate(ctx, toPipeline(q.Pipeline))
	default:
		return nil, fmt.Errorf("unsupported mongodb operation %q", q.Operation)
	}
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx) //nolint:errcheck

	out := []map[string]any{}
	truncated := false
	for cursor.Next(ctx) {
		if limit > 0 && len(out) >= limit {
			truncated = true
			break
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, normalizeDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Rows:          out,
		RowCount:      len(out),
		Truncated:     truncated,
		ExecutionTime: time.Since(start),
	}, nil
}

func runFind(ctx context.Context, coll *mongo.Collection, q Query, limit int) (*mongo.Cursor, error) {
	filter := bson.M{}
	for k, v := range q.Filter {
		filter[k] = v
	}

	findOpts := options.Find()
	if limit > 0 {
		findOpts.SetLimit(int64(limit) + 1) // one extra to detect truncation
	}
	if q.Options != nil {
		if skip, ok := toInt64(q.Options["skip"]); ok {
			findOpts.SetSkip(skip)
		}
		if sort, ok := q.Options["sort"].(map[string]any); ok {
			findOpts.SetSort(sortDoc(sort))
		}
		if proj, ok := q.Options["projection"].(map[string]any); ok {
			findOpts.SetProjection(proj)
		}
	}
	return coll.Find(ctx, filter, findOpts)
}

// toPipeline converts the canonical stage list into driver documents.
func toPipeline(stages []map[string]any) mongo.Pipeline {
	pipeline := make(mongo.Pipeline, 0, len(stages))
	for _, stage := range stages {
		var d bson.D
		for k, v := range stage {
			d = append(d, bson.E{Key: k, Value: v})
		}
		pipeline = append(pipeline, d)
	}
	return pipeline
}

// sortDoc keeps sort directions as integers regardless of how JSON
// decoded them.
func sortDoc(m map[string]any) bson.D {
	var d bson.D
	for k, v := range m {
		if n, ok := toInt64(v); ok {
			d = append(d, bson.E{Key: k, Value: int32(n)})
		}
	}
	return d
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// normalizeDoc flattens BSON-specific values into plain JSON-friendly ones.
func normalizeDoc(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case bson.M:
		return normalizeDoc(val)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		arr := make([]any, len(val))
		for i, item := range val {
			arr[i] = normalizeValue(item)
		}
		return arr
	default:
		return v
	}
}
