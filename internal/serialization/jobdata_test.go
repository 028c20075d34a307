package serialization

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobDataMarshalWireKeys(t *testing.T) {
	enqueued := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	notify := false
	d := &JobData{
		JobClass:       "Reports::NightlyRollup",
		JobID:          "0b1e3a52-7d2f-4f4e-9b57-2d0c8b1a9f00",
		QueueName:      "reports",
		Priority:       -5,
		Arguments:      []any{"2025-06-01", Symbol("full")},
		Executions:     2,
		Locale:         "en",
		Timezone:       "UTC",
		EnqueuedAt:     &enqueued,
		ConcurrencyKey: "rollup",
		Labels:         []string{"nightly"},
		Notify:         &notify,
	}

	raw, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"job_class", "job_id", "queue_name", "priority", "arguments",
		"executions", "locale", "timezone", "enqueued_at",
		"good_job_concurrency_key", "good_job_labels", "good_job_notify",
	} {
		if _, ok := obj[key]; !ok {
			t.Fatalf("missing wire key %q in %s", key, raw)
		}
	}
	if obj["executions"] != float64(2) {
		t.Fatalf("executions = %v", obj["executions"])
	}
	if obj["good_job_notify"] != false {
		t.Fatalf("good_job_notify = %v", obj["good_job_notify"])
	}
}

func TestJobDataRoundTrip(t *testing.T) {
	scheduled := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	d := &JobData{
		JobClass:    "Echo",
		JobID:       "6a1f1bb0-9e6f-49cf-a1b4-97d6a3f2c111",
		QueueName:   "default",
		Arguments:   []any{"hi", KeywordArgs{"shout": true}},
		ScheduledAt: &scheduled,
	}
	raw, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.JobClass != d.JobClass || got.JobID != d.JobID || got.QueueName != d.QueueName {
		t.Fatalf("identity fields mismatch: %+v", got)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(scheduled) {
		t.Fatalf("scheduled_at = %v", got.ScheduledAt)
	}
	if len(got.Arguments) != 2 {
		t.Fatalf("arguments = %#v", got.Arguments)
	}
	kw, ok := got.Arguments[1].(KeywordArgs)
	if !ok || kw["shout"] != true {
		t.Fatalf("keyword argument lost: %#v", got.Arguments[1])
	}
}

func TestUnmarshalForeignPayload(t *testing.T) {
	// Payload shape as produced by the other-ecosystem implementation.
	raw := []byte(`{
		"job_class": "SendInvoice",
		"job_id": "e7f1d9ae-02ba-4cde-90af-4b8f2a1f7b77",
		"queue_name": "billing",
		"priority": 0,
		"arguments": [
			{"_aj_globalid": "gid://shop/Invoice/991"},
			{"_aj_serialized": "ActiveJob::Serializers::BigDecimalSerializer", "value": "19.99"},
			{"due": {"_aj_serialized": "ActiveJob::Serializers::DateSerializer", "value": "2025-07-01"}, "_aj_ruby2_keywords": ["due"]}
		],
		"executions": 0,
		"exception_executions": {},
		"locale": "en",
		"timezone": "UTC",
		"enqueued_at": "2025-06-01T10:00:00.000000000Z"
	}`)

	d, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	gid, ok := d.Arguments[0].(GlobalID)
	if !ok || gid.Model != "Invoice" || gid.ID != "991" {
		t.Fatalf("globalid = %#v", d.Arguments[0])
	}
	if dec, ok := d.Arguments[1].(Decimal); !ok || dec != "19.99" {
		t.Fatalf("decimal = %#v", d.Arguments[1])
	}
	kw, ok := d.Arguments[2].(KeywordArgs)
	if !ok {
		t.Fatalf("keywords = %#v", d.Arguments[2])
	}
	due, ok := kw["due"].(Date)
	if !ok || due.String() != "2025-07-01" {
		t.Fatalf("due = %#v", kw["due"])
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"arguments": [{"_aj_serialized": "ActiveJob::Serializers::DateSerializer", "value": 5}]}`)); err == nil {
		t.Fatal("expected error for non-string date value")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
