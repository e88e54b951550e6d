// Package worker runs asynchronous completion jobs: requests are queued
// in redis, a background loop executes them through the proxy router,
// and results are kept for polling until they expire.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vnmchuo/chat-gateway/internal/provider"
)

var ErrJobNotFound = errors.New("job not found")

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Job struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	Request     *provider.ChatRequest  `json:"request"`
	CallbackURL string                 `json:"callback_url,omitempty"`
	Status      JobStatus              `json:"status"`
	Result      *provider.ChatResponse `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// Executor is the slice of the proxy router the worker needs.
type Executor interface {
	Route(ctx context.Context, req *provider.ChatRequest) (provider.Provider, error)
	Execute(ctx context.Context, req *provider.ChatRequest, p provider.Provider) (*provider.ChatResponse, error)
}

const (
	queueKey  = "jobs:chat"
	jobKeyFmt = "job:%s"
	jobTTL    = 24 * time.Hour
)

type Queue struct {
	rdb      *redis.Client
	executor Executor
}

func NewQueue(rdb *redis.Client, executor Executor) *Queue {
	return &Queue{rdb: rdb, executor: executor}
}

// Enqueue stores the job record and pushes its id onto the work list.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, req *provider.ChatRequest, callbackURL string) (*Job, error) {
	job := &Job{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Request:     req,
		CallbackURL: callbackURL,
		Status:      JobStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.rdb.LPush(ctx, queueKey, job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// Get loads a job record by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, fmt.Sprintf(jobKeyFmt, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("corrupt job record: %w", err)
	}
	return &job, nil
}

// Process blocks on the work list and executes jobs until ctx is done.
func (q *Queue) Process(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := q.rdb.BRPop(ctx, 5*time.Second, queueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker: queue pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		// BRPop returns [key, value].
		q.run(ctx, res[1])
	}
}

func (q *Queue) run(ctx context.Context, id string) {
	job, err := q.Get(ctx, id)
	if err != nil {
		log.Printf("worker: skipping job %s: %v", id, err)
		return
	}

	job.Status = JobStatusRunning
	if err := q.save(ctx, job); err != nil {
		log.Printf("worker: failed to mark job %s running: %v", id, err)
	}

	p, err := q.executor.Route(ctx, job.Request)
	if err == nil {
		job.Result, err = q.executor.Execute(ctx, job.Request, p)
	}

	now := time.Now().UTC()
	job.FinishedAt = &now
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		job.ErrorCode = string(provider.CodeOf(err))
	} else {
		job.Status = JobStatusDone
	}

	if err := q.save(ctx, job); err != nil {
		log.Printf("worker: failed to store result for job %s: %v", id, err)
	}
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, fmt.Sprintf(jobKeyFmt, job.ID), data, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}
