// Package publish implements the Completion Publisher (C11): a
// fan-out signal sent to an external topic whenever a Job carrying a
// WebhookConfig reaches a terminal state.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// Event is the payload published on job/crawl completion.
type Event struct {
	JobID    string       `json:"job_id"`
	CrawlID  string       `json:"crawl_id,omitempty"`
	TenantID string       `json:"tenant_id"`
	Status   jobs.Status  `json:"status"`
	Webhook  *jobs.WebhookConfig `json:"webhook,omitempty"`
	Result   *jobs.Result `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher bound to a single topic's publisher client.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals payload to JSON and publishes it; topic is accepted
// for interface compatibility but this Publisher is already bound to one
// topic at construction, matching the teacher's single-topic publisher.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) error {
	if p.publisher == nil {
		return fmt.Errorf("publish: pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish: marshal payload: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
