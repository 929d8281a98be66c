// Package mongo persists dispatch call records in MongoDB. Queue runners
// save each call transition so Status answers from any process, and
// operators can query call history by service.
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

	"github.com/simcore-ai/orchestra/runtime/dispatch"
)

const (
	defaultCollection = "calls"
	defaultOpTimeout  = 10 * time.Second
	storeClientName   = "callstore-mongo"
)

// ErrNotFound is returned when no call record matches the requested ID.
var ErrNotFound = errors.New("call not found")

// Options configures the Mongo call store.
type Options struct {
	// Client is a connected Mongo client. Required.
	Client *mongodriver.Client
	// Database names the database holding call records. Required.
	Database string
	// Collection overrides the call collection name. Defaults to "calls".
	Collection string
	// Timeout bounds individual store operations. Defaults to ten seconds.
	Timeout time.Duration
}

// Store persists call records keyed by call ID.
type Store struct {
	mongo   *mongodriver.Client
	calls   collection
	timeout time.Duration
}

var _ health.Pinger = (*Store)(nil)

// New validates the options, ensures the call indexes, and returns the
// store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, calls: coll, timeout: timeout}, nil
}

// Name identifies the store to health checkers.
func (s *Store) Name() string { return storeClientName }

// Ping verifies connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts the call record keyed by its ID.
func (s *Store) Save(ctx context.Context, call *dispatch.Call) error {
	if call == nil || call.ID == "" {
		return errors.New("call with id is required")
	}
	doc := fromCall(call)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"call_id": call.ID}
	update := bson.M{
		"$set": bson.M{
			"status":      doc.Status,
			"service":     doc.Service,
			"input":       doc.Input,
			"context":     doc.Context,
			"result":      doc.Result,
			"error":       doc.Error,
			"client":      doc.Client,
			"runner":      doc.Runner,
			"queue":       doc.Queue,
			"task_id":     doc.TaskID,
			"started_at":  doc.StartedAt,
			"finished_at": doc.FinishedAt,
			"updated_at":  doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"call_id":    doc.CallID,
			"created_at": doc.CreatedAt,
		},
	}
	if _, err := s.calls.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb save call %q: %w", call.ID, err)
	}
	return nil
}

// Load returns the call record with the given ID.
func (s *Store) Load(ctx context.Context, id string) (*dispatch.Call, error) {
	if id == "" {
		return nil, errors.New("call id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc callDocument
	if err := s.calls.FindOne(ctx, bson.M{"call_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load call %q: %w", id, err)
	}
	return doc.toCall(), nil
}

// ListByService returns the calls for a service, newest first, optionally
// filtered by status.
func (s *Store) ListByService(ctx context.Context, service string, statuses ...dispatch.Status) ([]*dispatch.Call, error) {
	if service == "" {
		return nil, errors.New("service is required")
	}
	filter := bson.M{"service": service}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.calls.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list calls for %q: %w", service, err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*dispatch.Call
	for cur.Next(ctx) {
		var doc callDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toCall())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// callDocument is the MongoDB representation of a call record.
type callDocument struct {
	CallID     string         `bson:"call_id"`
	Status     string         `bson:"status"`
	Service    string         `bson:"service"`
	Input      map[string]any `bson:"input,omitempty"`
	Context    map[string]any `bson:"context,omitempty"`
	Result     any            `bson:"result,omitempty"`
	Error      string         `bson:"error,omitempty"`
	Client     string         `bson:"client,omitempty"`
	Runner     string         `bson:"runner,omitempty"`
	Queue      string         `bson:"queue,omitempty"`
	TaskID     string         `bson:"task_id,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
	StartedAt  time.Time      `bson:"started_at,omitempty"`
	FinishedAt time.Time      `bson:"finished_at,omitempty"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

func fromCall(call *dispatch.Call) callDocument {
	return callDocument{
		CallID:     call.ID,
		Status:     string(call.Status),
		Service:    call.Service,
		Input:      call.Input,
		Context:    call.Context,
		Result:     call.Result,
		Error:      call.Error,
		Client:     call.Client,
		Runner:     call.Dispatch.Runner,
		Queue:      call.Dispatch.Queue,
		TaskID:     call.Dispatch.TaskID,
		CreatedAt:  call.CreatedAt.UTC(),
		StartedAt:  call.StartedAt.UTC(),
		FinishedAt: call.FinishedAt.UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func (doc callDocument) toCall() *dispatch.Call {
	return &dispatch.Call{
		ID:      doc.CallID,
		Status:  dispatch.Status(doc.Status),
		Service: doc.Service,
		Input:   doc.Input,
		Context: doc.Context,
		Result:  doc.Result,
		Error:   doc.Error,
		Client:  doc.Client,
		Dispatch: dispatch.DispatchInfo{
			Runner: doc.Runner,
			Queue:  doc.Queue,
			TaskID: doc.TaskID,
		},
		CreatedAt:  doc.CreatedAt,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	callIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "call_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, callIndex); err != nil {
		return err
	}
	serviceIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "service", Value: 1},
			{Key: "status", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, serviceIndex); err != nil {
		return err
	}
	return nil
}

// collection narrows *mongodriver.Collection so unit tests can fake the
// driver.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
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
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
