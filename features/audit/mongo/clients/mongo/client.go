// Package mongo implements the low-level MongoDB client used by the audit sink.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/audit"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// Client exposes Mongo-backed operations for the turn audit trail.
	Client interface {
		health.Pinger

		Append(ctx context.Context, rec *audit.TurnRecord) error
		List(ctx context.Context, key fabric.SessionKey, cursor string, limit int) (audit.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	turnRecordDocument struct {
		ID               bson.ObjectID             `bson:"_id,omitempty"`
		TurnID           string                    `bson:"turn_id"`
		BeatID           string                    `bson:"beat_id,omitempty"`
		TurnGroupID      string                    `bson:"turn_group_id,omitempty"`
		SessionKey       string                    `bson:"session_key"`
		TenantID         string                    `bson:"tenant_id"`
		Status           string                    `bson:"status"`
		CompletionReason string                    `bson:"completion_reason,omitempty"`
		MessageSequence  []string                  `bson:"message_sequence,omitempty"`
		SupersededBy     string                    `bson:"superseded_by,omitempty"`
		Interruptions    []interruptionDocument    `bson:"interruptions,omitempty"`
		Artifacts        []artifactSummaryDocument `bson:"artifacts,omitempty"`
		SideEffects      []sideEffectDocument      `bson:"side_effects,omitempty"`
		LatencyMS        int64                     `bson:"latency_ms"`
		TokensUsed       int                       `bson:"tokens_used"`
		ScenarioBefore   scenarioRefDocument       `bson:"scenario_before"`
		ScenarioAfter    scenarioRefDocument       `bson:"scenario_after"`
		RecordedAt       time.Time                 `bson:"recorded_at"`
	}

	interruptionDocument struct {
		Phase     int       `bson:"phase"`
		MessageID string    `bson:"message_id"`
		Action    string    `bson:"action"`
		Strategy  string    `bson:"strategy,omitempty"`
		Reason    string    `bson:"reason,omitempty"`
		At        time.Time `bson:"at"`
	}

	artifactSummaryDocument struct {
		Phase                 int    `bson:"phase"`
		InputFingerprint      string `bson:"input_fingerprint,omitempty"`
		DependencyFingerprint string `bson:"dependency_fingerprint,omitempty"`
		Bytes                 int    `bson:"bytes"`
		Reused                bool   `bson:"reused"`
	}

	sideEffectDocument struct {
		Tool            string    `bson:"tool"`
		Policy          string    `bson:"policy"`
		Declared        bool      `bson:"declared"`
		ExecutedAt      time.Time `bson:"executed_at"`
		Phase           int       `bson:"phase"`
		CompensationRef string    `bson:"compensation_ref,omitempty"`
	}

	scenarioRefDocument struct {
		ScenarioID string `bson:"scenario_id,omitempty"`
		StepID     string `bson:"step_id,omitempty"`
		Version    string `bson:"version,omitempty"`
	}
)

const (
	defaultCollection = "turn_records"
	defaultTimeout    = 5 * time.Second
	clientName        = "audit-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append upserts the record keyed by (session_key, turn_id). The object ID
// is assigned once at insert and survives retried commits, so cursor order
// reflects first-commit order.
func (c *client) Append(ctx context.Context, rec *audit.TurnRecord) error {
	if rec == nil {
		return errors.New("record is required")
	}
	if rec.SessionKey == "" {
		return errors.New("session key is required")
	}
	if rec.TurnID == "" {
		return errors.New("turn id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := fromRecord(rec)
	filter := bson.M{"session_key": doc.SessionKey, "turn_id": doc.TurnID}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"_id": bson.NewObjectID()},
	}
	res := c.coll.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After),
	)
	var stored turnRecordDocument
	if err := res.Decode(&stored); err != nil {
		return err
	}
	rec.ID = stored.ID.Hex()
	return nil
}

func (c *client) List(ctx context.Context, key fabric.SessionKey, cursor string, limit int) (page audit.Page, err error) {
	if key == "" {
		return audit.Page{}, errors.New("session key is required")
	}
	if limit <= 0 {
		return audit.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"session_key": string(key)}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return audit.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return audit.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var records []*audit.TurnRecord
	for cur.Next(ctx) {
		var doc turnRecordDocument
		if err := cur.Decode(&doc); err != nil {
			return audit.Page{}, err
		}
		records = append(records, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return audit.Page{}, err
	}

	var next string
	if len(records) > limit {
		next = records[limit-1].ID
		records = records[:limit]
	}
	return audit.Page{Records: records, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromRecord(rec *audit.TurnRecord) turnRecordDocument {
	doc := turnRecordDocument{
		TurnID:           string(rec.TurnID),
		BeatID:           string(rec.BeatID),
		TurnGroupID:      string(rec.TurnGroupID),
		SessionKey:       string(rec.SessionKey),
		TenantID:         string(rec.TenantID),
		Status:           string(rec.Status),
		CompletionReason: string(rec.CompletionReason),
		LatencyMS:        rec.LatencyMS,
		TokensUsed:       rec.TokensUsed,
		ScenarioBefore:   scenarioRefDocument(rec.ScenarioBefore),
		ScenarioAfter:    scenarioRefDocument(rec.ScenarioAfter),
		RecordedAt:       rec.RecordedAt.UTC(),
	}
	for _, id := range rec.MessageSequence {
		doc.MessageSequence = append(doc.MessageSequence, string(id))
	}
	if rec.SupersededBy != nil {
		doc.SupersededBy = string(*rec.SupersededBy)
	}
	for _, in := range rec.Interruptions {
		doc.Interruptions = append(doc.Interruptions, interruptionDocument{
			Phase:     in.Phase,
			MessageID: string(in.MessageID),
			Action:    string(in.Action),
			Strategy:  in.Strategy,
			Reason:    in.Reason,
			At:        in.At.UTC(),
		})
	}
	for _, a := range rec.ArtifactSummaries {
		doc.Artifacts = append(doc.Artifacts, artifactSummaryDocument(a))
	}
	for _, se := range rec.SideEffects {
		doc.SideEffects = append(doc.SideEffects, sideEffectDocument{
			Tool:            se.Tool,
			Policy:          string(se.Policy),
			Declared:        se.Declared,
			ExecutedAt:      se.ExecutedAt.UTC(),
			Phase:           se.Phase,
			CompensationRef: se.CompensationRef,
		})
	}
	return doc
}

func (doc turnRecordDocument) toRecord() *audit.TurnRecord {
	rec := &audit.TurnRecord{
		ID:               doc.ID.Hex(),
		TurnID:           fabric.TurnID(doc.TurnID),
		BeatID:           fabric.TurnID(doc.BeatID),
		TurnGroupID:      fabric.TurnGroupID(doc.TurnGroupID),
		SessionKey:       fabric.SessionKey(doc.SessionKey),
		TenantID:         fabric.TenantID(doc.TenantID),
		Status:           turn.Status(doc.Status),
		CompletionReason: turn.CompletionReason(doc.CompletionReason),
		LatencyMS:        doc.LatencyMS,
		TokensUsed:       doc.TokensUsed,
		ScenarioBefore:   turn.ScenarioRef(doc.ScenarioBefore),
		ScenarioAfter:    turn.ScenarioRef(doc.ScenarioAfter),
		RecordedAt:       doc.RecordedAt,
	}
	for _, id := range doc.MessageSequence {
		rec.MessageSequence = append(rec.MessageSequence, fabric.MessageID(id))
	}
	if doc.SupersededBy != "" {
		id := fabric.TurnID(doc.SupersededBy)
		rec.SupersededBy = &id
	}
	for _, in := range doc.Interruptions {
		rec.Interruptions = append(rec.Interruptions, audit.Interruption{
			Phase:     in.Phase,
			MessageID: fabric.MessageID(in.MessageID),
			Action:    brain.Action(in.Action),
			Strategy:  in.Strategy,
			Reason:    in.Reason,
			At:        in.At,
		})
	}
	for _, a := range doc.Artifacts {
		rec.ArtifactSummaries = append(rec.ArtifactSummaries, turn.ArtifactSummary(a))
	}
	for _, se := range doc.SideEffects {
		rec.SideEffects = append(rec.SideEffects, turn.SideEffect{
			Tool:            se.Tool,
			Policy:          toolpolicy.Policy(se.Policy),
			Declared:        se.Declared,
			ExecutedAt:      se.ExecutedAt,
			Phase:           se.Phase,
			CompensationRef: se.CompensationRef,
		})
	}
	return rec
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "session_key", Value: 1}, {Key: "turn_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "session_key", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "recorded_at", Value: -1}}},
	}
	for _, model := range models {
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create audit index: %w", err)
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
