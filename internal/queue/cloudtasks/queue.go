// Package cloudtasks implements Queue Provider Variant B: a Google Cloud
// Tasks dispatcher. Unlike the broker variant, jobs are delivered
// passively over HTTP to the service's /tasks/process endpoint (C8); this
// type only creates, inspects and deletes tasks, and its GetNextJob never
// returns a job.
package cloudtasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// Config addresses a single Cloud Tasks queue and the push target.
type Config struct {
	ProjectID          string
	Location           string
	QueueName          string
	ServiceURL         string
	ServiceAccountEmail string
}

type taskPayload struct {
	JobID   string       `json:"job_id"`
	Name    string       `json:"name"`
	Data    jobs.Payload `json:"data"`
	Options jobs.Options `json:"options"`
}

// Queue implements jobs.Queue over Cloud Tasks.
type Queue struct {
	client *cloudtasks.Client
	cfg    Config
	logger *zap.Logger

	onComplete func(jobID string, result jobs.Result)
	onFailed   func(jobID string, errText string)
}

// New authenticates a Cloud Tasks client using Application Default
// Credentials, mirroring the teacher's Pub/Sub client construction.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create cloud tasks client: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient builds a Queue around an already-constructed client,
// letting tests substitute a fake gRPC server for the real Cloud Tasks
// endpoint.
func NewWithClient(client *cloudtasks.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, cfg: cfg, logger: logger}
}

func (q *Queue) queuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", q.cfg.ProjectID, q.cfg.Location, q.cfg.QueueName)
}

func (q *Queue) taskName(jobID string) string {
	return fmt.Sprintf("%s/tasks/%s", q.queuePath(), jobID)
}

// AddJob creates a named HTTP push task; the name is derived from the
// job id so a duplicate AddJob call surfaces as a KindConflict rather
// than a silent double-enqueue.
func (q *Queue) AddJob(ctx context.Context, name string, data jobs.Payload, opts jobs.Options) (string, error) {
	body, err := json.Marshal(taskPayload{JobID: opts.JobID, Name: name, Data: data, Options: opts})
	if err != nil {
		return "", jobs.Wrap(jobs.KindExecutionFailure, "cloudtasks.AddJob", err)
	}

	req := &cloudtaskspb.CreateTaskRequest{
		Parent: q.queuePath(),
		Task: &cloudtaskspb.Task{
			Name: q.taskName(opts.JobID),
			MessageType: &cloudtaskspb.Task_HttpRequest{
				HttpRequest: &cloudtaskspb.HttpRequest{
					Url:        q.cfg.ServiceURL,
					HttpMethod: cloudtaskspb.HttpMethod_POST,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
					AuthorizationHeader: &cloudtaskspb.HttpRequest_OidcToken{
						OidcToken: &cloudtaskspb.OidcToken{ServiceAccountEmail: q.cfg.ServiceAccountEmail},
					},
				},
			},
		},
	}

	resp, err := q.client.CreateTask(ctx, req)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", jobs.Wrap(jobs.KindConflict, "cloudtasks.AddJob", err)
		}
		return "", jobs.Wrap(jobs.KindQueueUnavailable, "cloudtasks.AddJob", err)
	}
	return taskIDFromName(resp.Name), nil
}

func taskIDFromName(name string) string {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// GetJob fetches the task and decodes its push body back into a QueueJob.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*jobs.QueueJob, error) {
	task, err := q.client.GetTask(ctx, &cloudtaskspb.GetTaskRequest{
		Name: q.taskName(jobID),
		ResponseView: cloudtaskspb.Task_FULL,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, jobs.New(jobs.KindNotFound, "cloudtasks.GetJob", "task not found")
		}
		return nil, jobs.Wrap(jobs.KindQueueUnavailable, "cloudtasks.GetJob", err)
	}

	httpReq, ok := task.GetMessageType().(*cloudtaskspb.Task_HttpRequest)
	if !ok {
		return nil, jobs.New(jobs.KindExecutionFailure, "cloudtasks.GetJob", "unexpected task message type")
	}
	var p taskPayload
	if err := json.Unmarshal(httpReq.HttpRequest.GetBody(), &p); err != nil {
		return nil, jobs.Wrap(jobs.KindExecutionFailure, "cloudtasks.GetJob", err)
	}
	return &jobs.QueueJob{ID: p.JobID, Name: p.Name, Data: p.Data, Options: p.Options}, nil
}

// RemoveJob deletes the pending task, tolerating one that's already gone.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	err := q.client.DeleteTask(ctx, &cloudtaskspb.DeleteTaskRequest{Name: q.taskName(jobID)})
	if err != nil && status.Code(err) != codes.NotFound {
		return jobs.Wrap(jobs.KindQueueUnavailable, "cloudtasks.RemoveJob", err)
	}
	return nil
}

// GetJobState reports whether a task is still queued; Cloud Tasks doesn't
// expose an in-flight/active distinction over its public API, so a task
// that exists is always reported Waiting.
func (q *Queue) GetJobState(ctx context.Context, jobID string) (jobs.Status, error) {
	_, err := q.client.GetTask(ctx, &cloudtaskspb.GetTaskRequest{Name: q.taskName(jobID)})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", jobs.New(jobs.KindNotFound, "cloudtasks.GetJobState", "task not found")
		}
		return "", jobs.Wrap(jobs.KindQueueUnavailable, "cloudtasks.GetJobState", err)
	}
	return jobs.StatusWaiting, nil
}

func (q *Queue) GetJobResult(ctx context.Context, jobID string) (jobs.Result, error) {
	return jobs.Result{}, jobs.New(jobs.KindNotFound, "cloudtasks.GetJobResult", "not tracked by queue")
}

func (q *Queue) GetJobError(ctx context.Context, jobID string) (string, error) {
	return "", jobs.New(jobs.KindNotFound, "cloudtasks.GetJobError", "not tracked by queue")
}

// GetActiveCount always reports zero: push delivery means a task is never
// "active" from this client's point of view, only queued or gone.
func (q *Queue) GetActiveCount(ctx context.Context) (int, error) {
	return 0, nil
}

// GetWaitingCount paginates ListTasks and counts, since Cloud Tasks has no
// direct queue-depth counter in its task-level API.
func (q *Queue) GetWaitingCount(ctx context.Context) (int, error) {
	it := q.client.ListTasks(ctx, &cloudtaskspb.ListTasksRequest{Parent: q.queuePath()})
	count := 0
	for {
		_, err := it.Next()
		if err != nil {
			break
		}
		count++
	}
	return count, nil
}

// GetNextJob never yields a job for this variant (jobs arrive over HTTP):
// it blocks until ctx is done and then returns nil.
func (q *Queue) GetNextJob(ctx context.Context) (*jobs.QueueJob, string, error) {
	<-ctx.Done()
	return nil, "", nil
}

// ExtendLock is a no-op: Cloud Tasks controls its own redelivery schedule
// based on the push target's HTTP response, not a caller-managed lease.
func (q *Queue) ExtendLock(ctx context.Context, jobID, token string, extension time.Duration) error {
	return nil
}

// MoveToCompleted fans the completion callback; the HTTP handler that
// invoked this already returns 200 to Cloud Tasks, which deletes the task
// on its own.
func (q *Queue) MoveToCompleted(ctx context.Context, jobID string, result jobs.Result) error {
	if q.onComplete != nil {
		q.onComplete(jobID, result)
	}
	return nil
}

// MoveToFailed fans the failure callback; the HTTP handler still answers
// Cloud Tasks with 200 (the failure is reported in the response body), so
// the task is not redelivered.
func (q *Queue) MoveToFailed(ctx context.Context, jobID string, errText string) error {
	if q.onFailed != nil {
		q.onFailed(jobID, errText)
	}
	return nil
}

func (q *Queue) OnJobComplete(cb func(jobID string, result jobs.Result)) { q.onComplete = cb }
func (q *Queue) OnJobFailed(cb func(jobID string, errText string))      { q.onFailed = cb }

// Close releases the underlying gRPC connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
