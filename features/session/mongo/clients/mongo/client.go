// Package mongo hosts the MongoDB client used by the persistent session tier.
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
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/session"
)

const (
	defaultCollection = "fabric_sessions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "session-mongo"
)

type (
	// Client exposes Mongo-backed operations for session state. It is the
	// persistent tier: writes are fenced, reads are the source of truth when
	// the hot tier misses.
	Client interface {
		health.Pinger

		LoadSession(ctx context.Context, key fabric.SessionKey) (*session.Session, error)
		SaveSession(ctx context.Context, sess *session.Session) error
		DeleteSession(ctx context.Context, key fabric.SessionKey) error
		ListByAgent(ctx context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*session.Session, error)
		ListByInterlocutor(ctx context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*session.Session, error)
		FindByChannelIdentity(ctx context.Context, channel fabric.ChannelKind, userChannelID string) (*session.Session, error)
		FindByStepHash(ctx context.Context, tenant fabric.TenantID, stepHash string) ([]*session.Session, error)
	}

	// Options configures the Mongo session client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		sessions collection
		timeout  time.Duration
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: coll}
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

func (c *client) LoadSession(ctx context.Context, key fabric.SessionKey) (*session.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": string(key)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return doc.toSession(), nil
}

// SaveSession upserts the session under a fencing comparison: the filter only
// matches when the stored token is not newer, so a replaced lock holder gets
// a duplicate-key error from the upsert insert path rather than silently
// clobbering its successor's write.
func (c *client) SaveSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.Key == "" {
		return errors.New("session key is required")
	}
	doc := fromSession(sess)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"_id": string(sess.Key),
		"$or": bson.A{
			bson.M{"fencing_token": bson.M{"$lte": doc.FencingToken}},
			bson.M{"fencing_token": bson.M{"$exists": false}},
		},
	}
	_, err := c.sessions.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return lock.ErrFencingViolation
		}
		return err
	}
	return nil
}

func (c *client) DeleteSession(ctx context.Context, key fabric.SessionKey) error {
	if key == "" {
		return errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.DeleteOne(ctx, bson.M{"_id": string(key)})
	return err
}

func (c *client) ListByAgent(ctx context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*session.Session, error) {
	return c.list(ctx, bson.M{"tenant_id": string(tenant), "agent_id": string(agent)})
}

func (c *client) ListByInterlocutor(ctx context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*session.Session, error) {
	return c.list(ctx, bson.M{"tenant_id": string(tenant), "interlocutor_id": string(interlocutor)})
}

func (c *client) FindByChannelIdentity(ctx context.Context, channel fabric.ChannelKind, userChannelID string) (*session.Session, error) {
	if userChannelID == "" {
		return nil, errors.New("user channel id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"channel": string(channel), "user_channel_id": userChannelID}
	// Several sessions may have bound the address over time; the most
	// recently active one owns it.
	opts := options.FindOne().SetSort(bson.D{{Key: "last_activity_at", Value: -1}})
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return doc.toSession(), nil
}

func (c *client) FindByStepHash(ctx context.Context, tenant fabric.TenantID, stepHash string) ([]*session.Session, error) {
	if stepHash == "" {
		return nil, errors.New("step hash is required")
	}
	return c.list(ctx, bson.M{"tenant_id": string(tenant), "step_hash": stepHash})
}

func (c *client) list(ctx context.Context, filter bson.M) (out []*session.Session, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.sessions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
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

type (
	sessionDocument struct {
		Key                   string                   `bson:"_id"`
		TenantID              string                   `bson:"tenant_id"`
		AgentID               string                   `bson:"agent_id"`
		InterlocutorID        string                   `bson:"interlocutor_id"`
		Channel               string                   `bson:"channel"`
		UserChannelID         string                   `bson:"user_channel_id,omitempty"`
		Status                string                   `bson:"status"`
		ActiveScenarioID      string                   `bson:"active_scenario_id,omitempty"`
		ActiveStepID          string                   `bson:"active_step_id,omitempty"`
		ActiveScenarioVersion string                   `bson:"active_scenario_version,omitempty"`
		StepHistory           []stepTransitionDocument `bson:"step_history,omitempty"`
		Variables             map[string]any           `bson:"variables,omitempty"`
		VariableUpdatedAt     map[string]time.Time     `bson:"variable_updated_at,omitempty"`
		RuleFires             map[string]int           `bson:"rule_fires,omitempty"`
		RuleLastFireTurn      map[string]int           `bson:"rule_last_fire_turn,omitempty"`
		TurnCount             int                      `bson:"turn_count"`
		LastCommittedTurn     string                   `bson:"last_committed_turn,omitempty"`
		ConfigVersion         string                   `bson:"config_version,omitempty"`
		PendingMigration      *migrationDocument       `bson:"pending_migration,omitempty"`
		CadenceP95            int64                    `bson:"cadence_p95_ns,omitempty"`
		NextTurnHint          *hintDocument            `bson:"next_turn_hint,omitempty"`
		ContextSummary        string                   `bson:"context_summary,omitempty"`
		StepHash              string                   `bson:"step_hash,omitempty"`
		FencingToken          int64                    `bson:"fencing_token"`
		CreatedAt             time.Time                `bson:"created_at"`
		LastActivityAt        time.Time                `bson:"last_activity_at"`
	}

	stepTransitionDocument struct {
		StepID     string    `bson:"step_id"`
		EnteredAt  time.Time `bson:"entered_at"`
		TurnNumber int       `bson:"turn_number"`
		Reason     string    `bson:"reason,omitempty"`
		Confidence float64   `bson:"confidence,omitempty"`
	}

	migrationDocument struct {
		TargetConfigVersion string    `bson:"target_config_version"`
		FromStepHash        string    `bson:"from_step_hash,omitempty"`
		RequestedAt         time.Time `bson:"requested_at"`
	}

	hintDocument struct {
		SuggestedWaitNS      int64   `bson:"suggested_wait_ns"`
		CompletionConfidence float64 `bson:"completion_confidence"`
	}
)

func fromSession(sess *session.Session) sessionDocument {
	doc := sessionDocument{
		Key:                   string(sess.Key),
		TenantID:              string(sess.TenantID),
		AgentID:               string(sess.AgentID),
		InterlocutorID:        string(sess.InterlocutorID),
		Channel:               string(sess.Channel),
		UserChannelID:         sess.UserChannelID,
		Status:                string(sess.Status),
		ActiveScenarioID:      sess.ActiveScenarioID,
		ActiveStepID:          sess.ActiveStepID,
		ActiveScenarioVersion: sess.ActiveScenarioVersion,
		Variables:             cloneAnyMap(sess.Variables),
		VariableUpdatedAt:     cloneTimeMap(sess.VariableUpdatedAt),
		RuleFires:             cloneIntMap(sess.RuleFires),
		RuleLastFireTurn:      cloneIntMap(sess.RuleLastFireTurn),
		TurnCount:             sess.TurnCount,
		LastCommittedTurn:     string(sess.LastCommittedTurn),
		ConfigVersion:         sess.ConfigVersion,
		CadenceP95:            int64(sess.CadenceP95),
		ContextSummary:        sess.ContextSummary,
		StepHash:              sess.StepHash(),
		FencingToken:          int64(sess.FencingToken),
		CreatedAt:             sess.CreatedAt.UTC(),
		LastActivityAt:        sess.LastActivityAt.UTC(),
	}
	for _, st := range sess.StepHistory {
		doc.StepHistory = append(doc.StepHistory, stepTransitionDocument{
			StepID:     st.StepID,
			EnteredAt:  st.EnteredAt.UTC(),
			TurnNumber: st.TurnNumber,
			Reason:     st.Reason,
			Confidence: st.Confidence,
		})
	}
	if sess.PendingMigration != nil {
		doc.PendingMigration = &migrationDocument{
			TargetConfigVersion: sess.PendingMigration.TargetConfigVersion,
			FromStepHash:        sess.PendingMigration.FromStepHash,
			RequestedAt:         sess.PendingMigration.RequestedAt.UTC(),
		}
	}
	if sess.NextTurnHint != nil {
		doc.NextTurnHint = &hintDocument{
			SuggestedWaitNS:      int64(sess.NextTurnHint.SuggestedWait),
			CompletionConfidence: sess.NextTurnHint.CompletionConfidence,
		}
	}
	return doc
}

func (doc sessionDocument) toSession() *session.Session {
	sess := &session.Session{
		Key:                   fabric.SessionKey(doc.Key),
		TenantID:              fabric.TenantID(doc.TenantID),
		AgentID:               fabric.AgentID(doc.AgentID),
		InterlocutorID:        fabric.InterlocutorID(doc.InterlocutorID),
		Channel:               fabric.ChannelKind(doc.Channel),
		UserChannelID:         doc.UserChannelID,
		Status:                session.Status(doc.Status),
		ActiveScenarioID:      doc.ActiveScenarioID,
		ActiveStepID:          doc.ActiveStepID,
		ActiveScenarioVersion: doc.ActiveScenarioVersion,
		Variables:             cloneAnyMap(doc.Variables),
		VariableUpdatedAt:     cloneTimeMap(doc.VariableUpdatedAt),
		RuleFires:             cloneIntMap(doc.RuleFires),
		RuleLastFireTurn:      cloneIntMap(doc.RuleLastFireTurn),
		TurnCount:             doc.TurnCount,
		LastCommittedTurn:     fabric.TurnID(doc.LastCommittedTurn),
		ConfigVersion:         doc.ConfigVersion,
		CadenceP95:            time.Duration(doc.CadenceP95),
		ContextSummary:        doc.ContextSummary,
		FencingToken:          lock.Token(doc.FencingToken),
		CreatedAt:             doc.CreatedAt,
		LastActivityAt:        doc.LastActivityAt,
	}
	for _, st := range doc.StepHistory {
		sess.StepHistory = append(sess.StepHistory, session.StepTransition{
			StepID:     st.StepID,
			EnteredAt:  st.EnteredAt,
			TurnNumber: st.TurnNumber,
			Reason:     st.Reason,
			Confidence: st.Confidence,
		})
	}
	if doc.PendingMigration != nil {
		sess.PendingMigration = &session.Migration{
			TargetConfigVersion: doc.PendingMigration.TargetConfigVersion,
			FromStepHash:        doc.PendingMigration.FromStepHash,
			RequestedAt:         doc.PendingMigration.RequestedAt,
		}
	}
	if doc.NextTurnHint != nil {
		sess.NextTurnHint = &accumulate.Hint{
			SuggestedWait:        time.Duration(doc.NextTurnHint.SuggestedWaitNS),
			CompletionConfidence: doc.NextTurnHint.CompletionConfidence,
		}
	}
	return sess
}

func cloneAnyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTimeMap(src map[string]time.Time) map[string]time.Time {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]time.Time, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneIntMap(src map[string]int) map[string]int {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "agent_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "interlocutor_id", Value: 1}}},
		{Keys: bson.D{{Key: "channel", Value: 1}, {Key: "user_channel_id", Value: 1}, {Key: "last_activity_at", Value: -1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "step_hash", Value: 1}}},
	}
	for _, model := range models {
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create session index: %w", err)
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: coll,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
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

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
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
