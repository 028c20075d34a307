package serialization

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobData is the decoded wire payload of one job (the serialized_params
// column). Arguments hold the Go-side values described in types.go.
type JobData struct {
	JobClass            string
	JobID               string
	QueueName           string
	Priority            int
	Arguments           []any
	Executions          int
	ExceptionExecutions map[string]int
	Locale              string
	Timezone            string
	EnqueuedAt          *time.Time
	ScheduledAt         *time.Time
	ConcurrencyKey      string
	Labels              []string
	Notify              *bool
}

// wireJob is the JSON shape shared with other-language workers.
type wireJob struct {
	JobClass            string         `json:"job_class"`
	JobID               string         `json:"job_id"`
	QueueName           string         `json:"queue_name"`
	Priority            int            `json:"priority"`
	Arguments           []any          `json:"arguments"`
	Executions          int            `json:"executions"`
	ExceptionExecutions map[string]int `json:"exception_executions,omitempty"`
	Locale              string         `json:"locale,omitempty"`
	Timezone            string         `json:"timezone,omitempty"`
	EnqueuedAt          string         `json:"enqueued_at,omitempty"`
	ScheduledAt         *string        `json:"scheduled_at,omitempty"`
	ConcurrencyKey      string         `json:"good_job_concurrency_key,omitempty"`
	Labels              []string       `json:"good_job_labels,omitempty"`
	Notify              *bool          `json:"good_job_notify,omitempty"`
}

// Marshal encodes the payload to its wire JSON.
func (d *JobData) Marshal() ([]byte, error) {
	args := make([]any, len(d.Arguments))
	for i, a := range d.Arguments {
		enc, err := EncodeValue(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		args[i] = enc
	}
	w := wireJob{
		JobClass:            d.JobClass,
		JobID:               d.JobID,
		QueueName:           d.QueueName,
		Priority:            d.Priority,
		Arguments:           args,
		Executions:          d.Executions,
		ExceptionExecutions: d.ExceptionExecutions,
		Locale:              d.Locale,
		Timezone:            d.Timezone,
		ConcurrencyKey:      d.ConcurrencyKey,
		Labels:              d.Labels,
		Notify:              d.Notify,
	}
	if d.EnqueuedAt != nil {
		w.EnqueuedAt = d.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}
	if d.ScheduledAt != nil {
		s := d.ScheduledAt.UTC().Format(time.RFC3339Nano)
		w.ScheduledAt = &s
	}
	return json.Marshal(w)
}

// Unmarshal decodes wire JSON into a JobData. Malformed argument objects are
// a deserialization failure surfaced to the caller.
func Unmarshal(raw []byte) (*JobData, error) {
	var w wireJob
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	args := make([]any, len(w.Arguments))
	for i, a := range w.Arguments {
		dec, err := DecodeValue(a)
		if err != nil {
			return nil, fmt.Errorf("decode argument %d: %w", i, err)
		}
		args[i] = dec
	}
	d := &JobData{
		JobClass:            w.JobClass,
		JobID:               w.JobID,
		QueueName:           w.QueueName,
		Priority:            w.Priority,
		Arguments:           args,
		Executions:          w.Executions,
		ExceptionExecutions: w.ExceptionExecutions,
		Locale:              w.Locale,
		Timezone:            w.Timezone,
		ConcurrencyKey:      w.ConcurrencyKey,
		Labels:              w.Labels,
		Notify:              w.Notify,
	}
	if w.EnqueuedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, w.EnqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		d.EnqueuedAt = &t
	}
	if w.ScheduledAt != nil && *w.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339Nano, *w.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("parse scheduled_at: %w", err)
		}
		d.ScheduledAt = &t
	}
	return d, nil
}
