package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
)

// fakeReader returns queued errors before messages; commitErrs fail the next
// commits in order.
type fakeReader struct {
	mu         sync.Mutex
	msgs       []kafka.Message
	committed  []int64
	fetchErrs  []error
	commitErrs []error
	closed     bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commitErrs) > 0 {
		err := r.commitErrs[0]
		r.commitErrs = r.commitErrs[1:]
		return err
	}
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

func TestConsumerEnqueuesAndCommits(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("https://example.com/a")},
		{Offset: 2, Value: []byte(`{"url":"https://example.com/b","priority":3}`)},
		{Offset: 3, Value: []byte(`{"url":`)},
		{Offset: 4, Value: []byte("ftp://example.com/c")},
		{Offset: 5, Value: []byte("https://EXAMPLE.com/a/")},
	}}
	front := frontier.New(frontier.Config{}, nil)
	var admitted int
	var mu sync.Mutex
	consumer := NewConsumerWithReader(reader, front, func() {
		mu.Lock()
		admitted++
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 5 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []int64{1, 2, 3, 4, 5}, reader.commits())
	require.Equal(t, 2, front.Len("example.com"))
	mu.Lock()
	require.Equal(t, 2, admitted)
	mu.Unlock()

	e, ok := front.DequeueReady("example.com", time.Now().Add(time.Hour))
	require.True(t, ok)
	require.Equal(t, "https://example.com/b", e.URL, "higher priority first")

	require.NoError(t, consumer.Close())
	require.True(t, reader.closed)
}

func TestConsumerKeepsIngestingAfterCommitFailure(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte("https://example.com/a")},
			{Offset: 2, Value: []byte("https://example.com/b")},
		},
		commitErrs: []error{kafka.RebalanceInProgress},
	}
	front := frontier.New(frontier.Config{}, nil)
	consumer := NewConsumerWithReader(reader, front, nil, nil, WithBackoff(time.Millisecond, 4*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 2, front.Len("example.com"), "both URLs admitted")
	require.Equal(t, []int64{2}, reader.commits(), "the later commit covers the failed one")

	cancel()
	require.NoError(t, <-done)
}

func TestConsumerRetriesFetchErrorsUntilCanceled(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker gone"), errors.New("broker gone")},
		msgs:      []kafka.Message{{Offset: 7, Value: []byte("https://example.com/a")}},
	}
	front := frontier.New(frontier.Config{}, nil)
	consumer := NewConsumerWithReader(reader, front, nil, nil, WithBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, front.Len("example.com"))

	cancel()
	require.NoError(t, <-done)
}
