package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/service"
)

type fakeStream struct {
	added  []*streaming.Event
	sink   *fakeSink
	addErr error
	onAdd  func()
	nextID int
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.onAdd != nil {
		f.onAdd()
	}
	if f.addErr != nil {
		return "", f.addErr
	}
	f.nextID++
	id := time.Now().Format("20060102150405") + "-" + string(rune('0'+f.nextID))
	f.added = append(f.added, &streaming.Event{ID: id, EventName: event, Payload: payload})
	return id, nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (Sink, error) {
	return f.sink, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	stream *fakeStream
}

func (f *fakeClient) Stream(string, ...streamopts.Stream) (Stream, error) { return f.stream, nil }
func (f *fakeClient) Close(context.Context) error                         { return nil }

type fakeSink struct {
	ch    chan *streaming.Event
	acked []*streaming.Event
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt)
	return nil
}

func (f *fakeSink) Close(context.Context) {}

type memStore struct {
	calls map[string]*dispatch.Call
}

func newMemStore() *memStore { return &memStore{calls: make(map[string]*dispatch.Call)} }

func (s *memStore) Save(_ context.Context, call *dispatch.Call) error {
	snapshot := *call
	s.calls[call.ID] = &snapshot
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (*dispatch.Call, error) {
	call, ok := s.calls[id]
	if !ok {
		return nil, errors.New("call not found")
	}
	return call, nil
}

type echoProvider struct{}

func (echoProvider) Call(_ context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{
		Request: req,
		Output:  []*provider.Message{provider.NewTextMessage(provider.RoleAssistant, "done")},
	}, nil
}

func (echoProvider) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func newWorkerApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(app.Options{
		Mode:    app.ModeSingle,
		Clients: map[string]provider.Client{"openai": echoProvider{}},
	})
	require.NoError(t, err)
	return a
}

func newServiceRegistry(t *testing.T, id identity.Identity) *service.Registry {
	t.Helper()
	reg := service.NewRegistry()
	factory := service.Factory(func(a *app.App) (*service.Service, error) {
		return service.New(service.Options{
			Identity:    id,
			App:         a,
			Instruction: "Summarize the topic.",
		})
	})
	require.NoError(t, reg.Register(context.Background(), id, factory, false))
	return reg
}

func TestEnqueuePublishesEnvelope(t *testing.T) {
	stream := &fakeStream{}
	store := newMemStore()
	r, err := NewRunner(RunnerOptions{Client: &fakeClient{stream: stream}, Store: store})
	require.NoError(t, err)

	call, err := r.Enqueue(context.Background(), dispatch.Job{
		Service: "chatlab.results.generate",
		Payload: map[string]any{"topic": "go"},
	})
	require.NoError(t, err)

	assert.Equal(t, dispatch.StatusQueued, call.Status)
	assert.Equal(t, RunnerName, call.Dispatch.Runner)
	assert.Equal(t, DefaultStream, call.Dispatch.Queue)
	assert.NotEmpty(t, call.Dispatch.TaskID)

	require.Len(t, stream.added, 1)
	var env envelope
	require.NoError(t, json.Unmarshal(stream.added[0].Payload, &env))
	assert.Equal(t, call.ID, env.CallID)
	assert.Equal(t, "chatlab.results.generate", env.Service)
	assert.Equal(t, "go", env.Payload["topic"])

	stored, err := store.Load(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusQueued, stored.Status)
}

func TestEnqueueAddFailure(t *testing.T) {
	stream := &fakeStream{addErr: errors.New("redis down")}
	r, err := NewRunner(RunnerOptions{Client: &fakeClient{stream: stream}})
	require.NoError(t, err)

	_, err = r.Enqueue(context.Background(), dispatch.Job{Service: "chatlab.results.generate"})
	require.Error(t, err)
}

func TestEnqueueSavesQueuedRecordBeforePublish(t *testing.T) {
	store := newMemStore()
	stream := &fakeStream{}
	stream.onAdd = func() {
		// A fast worker consumes the envelope and saves the terminal
		// record before the publish returns to the enqueuer.
		require.Len(t, store.calls, 1)
		for id, rec := range store.calls {
			assert.Equal(t, dispatch.StatusQueued, rec.Status)
			done := *rec
			done.Status = dispatch.StatusSucceeded
			done.Result = "done"
			store.calls[id] = &done
		}
	}
	r, err := NewRunner(RunnerOptions{Client: &fakeClient{stream: stream}, Store: store})
	require.NoError(t, err)

	call, err := r.Enqueue(context.Background(), dispatch.Job{
		Service: "chatlab.results.generate",
		Payload: map[string]any{"topic": "go"},
	})
	require.NoError(t, err)

	stored, err := store.Load(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, stored.Status)
	assert.Equal(t, "done", stored.Result)
}

func TestEnqueuePublishFailureMarksRecordFailed(t *testing.T) {
	store := newMemStore()
	stream := &fakeStream{addErr: errors.New("redis down")}
	r, err := NewRunner(RunnerOptions{Client: &fakeClient{stream: stream}, Store: store})
	require.NoError(t, err)

	_, err = r.Enqueue(context.Background(), dispatch.Job{Service: "chatlab.results.generate"})
	require.Error(t, err)

	require.Len(t, store.calls, 1)
	for _, rec := range store.calls {
		assert.Equal(t, dispatch.StatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "redis down")
	}
}

func TestStartRunsInline(t *testing.T) {
	r, err := NewRunner(RunnerOptions{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)

	call, err := r.Start(context.Background(), dispatch.Job{
		Service: "chatlab.results.generate",
		Exec: func(context.Context, *dispatch.Call) (any, error) {
			return "ok", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, call.Status)
	assert.Equal(t, "ok", call.Result)
}

func TestStatusRequiresStore(t *testing.T) {
	r, err := NewRunner(RunnerOptions{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)

	_, err = r.Status(context.Background(), "missing")
	require.ErrorIs(t, err, dispatch.ErrStatusUnsupported)
}

func TestWorkerDrivesEnvelope(t *testing.T) {
	id := identity.MustParse("chatlab.results.generate")
	a := newWorkerApp(t)
	store := newMemStore()

	w, err := NewWorker(WorkerOptions{
		Client:   &fakeClient{stream: &fakeStream{}},
		App:      a,
		Services: newServiceRegistry(t, id),
		Store:    store,
	})
	require.NoError(t, err)

	data, err := json.Marshal(envelope{
		CallID:     "call-1",
		Service:    id.String(),
		Payload:    map[string]any{"topic": "go"},
		EnqueuedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, w.handle(context.Background(), data))

	stored, err := store.Load(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, stored.Status)
	assert.Equal(t, "done", stored.Result)
	assert.Equal(t, RunnerName, stored.Dispatch.Runner)
}

func TestWorkerRejectsUnknownService(t *testing.T) {
	id := identity.MustParse("chatlab.results.generate")
	w, err := NewWorker(WorkerOptions{
		Client:   &fakeClient{stream: &fakeStream{}},
		App:      newWorkerApp(t),
		Services: newServiceRegistry(t, id),
	})
	require.NoError(t, err)

	data, err := json.Marshal(envelope{CallID: "call-2", Service: "chatlab.results.unknown"})
	require.NoError(t, err)
	require.Error(t, w.handle(context.Background(), data))
}

func TestWorkerRunConsumesAndAcks(t *testing.T) {
	id := identity.MustParse("chatlab.results.generate")
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	stream := &fakeStream{sink: sink}
	store := newMemStore()

	w, err := NewWorker(WorkerOptions{
		Client:   &fakeClient{stream: stream},
		App:      newWorkerApp(t),
		Services: newServiceRegistry(t, id),
		Store:    store,
	})
	require.NoError(t, err)

	data, err := json.Marshal(envelope{CallID: "call-3", Service: id.String()})
	require.NoError(t, err)
	sink.ch <- &streaming.Event{ID: "1-0", EventName: eventJob, Payload: data}
	close(sink.ch)

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, sink.acked, 1)

	stored, err := store.Load(context.Background(), "call-3")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, stored.Status)
}
