package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() ClockFunc { return func() time.Time { return testNow } }

func daysFromNow(n int) *time.Time {
	t := testNow.AddDate(0, 0, n)
	return &t
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return NewInMemoryService(nil, append([]Option{WithClock(fixedClock())}, opts...)...)
}

func mustCreateBatch(t *testing.T, svc *Service, id string) Batch {
	t.Helper()
	batch, err := svc.CreateBatch(context.Background(), BatchInput{ID: id, ProductName: "Cheddar", OwnerEmployeeID: "emp-1"})
	if err != nil {
		t.Fatalf("create batch %s: %v", id, err)
	}
	return batch
}

func mustSubmit(t *testing.T, svc *Service, displayID, batchID string, maturation *time.Time) Sample {
	t.Helper()
	sample, err := svc.SubmitSample(context.Background(), SampleInput{
		DisplayID:      displayID,
		Owner:          "alice",
		MaturationDate: maturation,
		BatchID:        batchID,
		SubmittedBy:    "alice",
	})
	if err != nil {
		t.Fatalf("submit %s: %v", displayID, err)
	}
	return sample
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) find(op string, status AuditStatus) (AuditEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return entry, true
		}
	}
	return AuditEntry{}, false
}

type logLine struct {
	level string
	msg   string
	kv    []any
}

type captureLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *captureLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, kv: kv})
}

func (l *captureLogger) Debug(msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *captureLogger) Info(msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *captureLogger) Warn(msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *captureLogger) Error(msg string, kv ...any) { l.add("error", msg, kv) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line.level == level && line.msg == msg {
			return true
		}
	}
	return false
}

// field returns the value logged under key by the first line matching msg.
func (l *captureLogger) field(msg, key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line.msg != msg {
			continue
		}
		for i := 0; i+1 < len(line.kv); i += 2 {
			if line.kv[i] == key {
				return fmt.Sprint(line.kv[i+1])
			}
		}
	}
	return ""
}

func hasViolation(res Result, rule string) bool {
	for _, v := range res.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
