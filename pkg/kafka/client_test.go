package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"docsense-go/pkg/errs"
	"docsense-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type scriptedProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(task tasks.IngestionTask, call int) error
}

func (p *scriptedProcessor) Process(_ context.Context, task tasks.IngestionTask) error {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[task.FileKey]++
	n := p.calls[task.FileKey]
	p.mu.Unlock()
	if p.fail != nil {
		return p.fail(task, n)
	}
	return nil
}

func (p *scriptedProcessor) count(fileKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[fileKey]
}

func taskMessage(t *testing.T, offset int64, fileKey string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(tasks.IngestionTask{FileKey: fileKey, TextKey: "texts/" + fileKey})
	require.NoError(t, err)
	return kafka.Message{Topic: "document-ingest", Offset: offset, Value: b}
}

func runUntil(t *testing.T, c *Consumer, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- c.Run(ctx) }()
	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-finished)
}

func TestConsumerCommitsProcessedAndMalformedMessages(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		taskMessage(t, 1, "a.pdf"),
		{Offset: 2, Value: []byte("{not json")},
		taskMessage(t, 3, "b.pdf"),
	}}
	p := &scriptedProcessor{}
	c := newConsumer(r, p, nil, 3)

	runUntil(t, c, func() bool { return len(r.commits()) == 3 })
	assert.Equal(t, []int64{1, 2, 3}, r.commits())
	assert.Equal(t, 1, p.count("a.pdf"))
	assert.True(t, r.closed)
}

func TestConsumerRetriesTransientFailureUntilSuccess(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{taskMessage(t, 7, "a.pdf")}}
	p := &scriptedProcessor{fail: func(_ tasks.IngestionTask, call int) error {
		if call < 3 {
			return errs.Transient(errs.CodeEmbeddingFailed, "test", errors.New("rate limited"))
		}
		return nil
	}}
	c := newConsumer(r, p, nil, 5)
	c.retryDelay = time.Millisecond

	runUntil(t, c, func() bool { return len(r.commits()) == 1 })
	assert.Equal(t, 3, p.count("a.pdf"))
}

func TestConsumerGivesUpAfterMaxAttempts(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{taskMessage(t, 1, "bad.pdf"), taskMessage(t, 2, "good.pdf")}}
	p := &scriptedProcessor{fail: func(task tasks.IngestionTask, _ int) error {
		if task.FileKey == "bad.pdf" {
			return errors.New("vector store down")
		}
		return nil
	}}
	c := newConsumer(r, p, nil, 3)
	c.retryDelay = time.Millisecond

	runUntil(t, c, func() bool { return len(r.commits()) == 2 })
	assert.Equal(t, 3, p.count("bad.pdf"))
	assert.Equal(t, 1, p.count("good.pdf"))
}

func TestConsumerWaitsForRunningIngestion(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{taskMessage(t, 7, "busy.pdf")}}
	p := &scriptedProcessor{fail: func(_ tasks.IngestionTask, call int) error {
		if call <= 5 {
			return errs.Errorf(errs.CodeIngestionInProgress, "test", "busy.pdf 正在入库")
		}
		return nil
	}}
	c := newConsumer(r, p, nil, 3)
	c.retryDelay = time.Millisecond

	runUntil(t, c, func() bool { return len(r.commits()) == 1 })
	assert.Equal(t, 6, p.count("busy.pdf"))
	assert.Equal(t, []int64{7}, r.commits())
}

func TestConsumerDoesNotRetryInvalidTask(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{taskMessage(t, 1, "gone.pdf")}}
	p := &scriptedProcessor{fail: func(tasks.IngestionTask, int) error {
		return errs.Errorf(errs.CodeNotFound, "test", "text object missing")
	}}
	c := newConsumer(r, p, nil, 5)

	runUntil(t, c, func() bool { return len(r.commits()) == 1 })
	assert.Equal(t, 1, p.count("gone.pdf"))
}

func TestConsumerLeavesMessageUncommittedOnShutdown(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{taskMessage(t, 1, "slow.pdf")}}
	p := &scriptedProcessor{fail: func(tasks.IngestionTask, int) error { return errors.New("boom") }}
	c := newConsumer(r, p, nil, 100)
	c.retryDelay = time.Millisecond

	runUntil(t, c, func() bool { return p.count("slow.pdf") >= 2 })
	assert.Empty(t, r.commits())
}
