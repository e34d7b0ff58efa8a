package cloudtasks_test

import (
	"context"
	"net"
	"sync"
	"testing"

	gtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/scrapeforge/crawlorch/internal/jobs"
	"github.com/scrapeforge/crawlorch/internal/queue/cloudtasks"
)

// fakeServer is a minimal in-memory stand-in for the Cloud Tasks gRPC
// service, in the spirit of the teacher's pstest fake Pub/Sub server.
type fakeServer struct {
	cloudtaskspb.UnimplementedCloudTasksServer
	mu    sync.Mutex
	tasks map[string]*cloudtaskspb.Task
}

func newFakeServer() *fakeServer {
	return &fakeServer{tasks: make(map[string]*cloudtaskspb.Task)}
}

func (s *fakeServer) CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) (*cloudtaskspb.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[req.Task.Name]; exists {
		return nil, status.Error(codes.AlreadyExists, "task already exists")
	}
	task := req.Task
	s.tasks[task.Name] = task
	return task, nil
}

func (s *fakeServer) GetTask(ctx context.Context, req *cloudtaskspb.GetTaskRequest) (*cloudtaskspb.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[req.Name]
	if !ok {
		return nil, status.Error(codes.NotFound, "task not found")
	}
	return task, nil
}

func (s *fakeServer) DeleteTask(ctx context.Context, req *cloudtaskspb.DeleteTaskRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[req.Name]; !ok {
		return nil, status.Error(codes.NotFound, "task not found")
	}
	delete(s.tasks, req.Name)
	return &emptypb.Empty{}, nil
}

func dialFake(t *testing.T, srv cloudtaskspb.CloudTasksServer) *gtasks.Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	cloudtaskspb.RegisterCloudTasksServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithInsecure())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := gtasks.NewClient(context.Background(), option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client
}

func testConfig() cloudtasks.Config {
	return cloudtasks.Config{
		ProjectID:  "proj",
		Location:   "us-central1",
		QueueName:  "scrape",
		ServiceURL: "https://worker.example/tasks/process",
	}
}

func TestAddJobThenGetJobRoundTrips(t *testing.T) {
	srv := newFakeServer()
	client := dialFake(t, srv)
	q := cloudtasks.NewWithClient(client, testConfig(), nil)
	ctx := context.Background()

	id, err := q.AddJob(ctx, "scrape", jobs.Payload{URL: "https://a.example"}, jobs.Options{JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	got, err := q.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "https://a.example", got.Data.URL)
}

func TestAddJobDuplicateIsConflict(t *testing.T) {
	srv := newFakeServer()
	client := dialFake(t, srv)
	q := cloudtasks.NewWithClient(client, testConfig(), nil)
	ctx := context.Background()

	_, err := q.AddJob(ctx, "scrape", jobs.Payload{}, jobs.Options{JobID: "job-2"})
	require.NoError(t, err)

	_, err = q.AddJob(ctx, "scrape", jobs.Payload{}, jobs.Options{JobID: "job-2"})
	require.Error(t, err)
	require.Equal(t, jobs.KindConflict, jobs.KindOf(err))
}

func TestRemoveJobThenGetJobNotFound(t *testing.T) {
	srv := newFakeServer()
	client := dialFake(t, srv)
	q := cloudtasks.NewWithClient(client, testConfig(), nil)
	ctx := context.Background()

	_, err := q.AddJob(ctx, "scrape", jobs.Payload{}, jobs.Options{JobID: "job-3"})
	require.NoError(t, err)
	require.NoError(t, q.RemoveJob(ctx, "job-3"))

	_, err = q.GetJob(ctx, "job-3")
	require.Error(t, err)
	require.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
}

func TestGetNextJobReturnsOnContextCancellation(t *testing.T) {
	srv := newFakeServer()
	client := dialFake(t, srv)
	q := cloudtasks.NewWithClient(client, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, token, err := q.GetNextJob(ctx)
	require.NoError(t, err)
	require.Nil(t, job)
	require.Empty(t, token)
}
