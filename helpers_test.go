package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type sequenceClock struct {
	times []time.Time
	index int
}

func (c *sequenceClock) Now() time.Time {
	if len(c.times) == 0 {
		return time.Time{}
	}
	if c.index >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.index]
	c.index++

	return t
}

func testID(b byte) uuid.UUID {
	return uuid.UUID{b}
}

// recordingSender fails the first failures sends with err and records every message.
type recordingSender struct {
	mu       sync.Mutex
	failures int
	err      error
	messages []Message
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)
	if len(s.messages) <= s.failures {
		return s.err
	}

	return nil
}

func (s *recordingSender) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)

	return out
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()

	return ctx.Err()
}

type recordingMetrics struct {
	mu        sync.Mutex
	published map[Kind]int
	errors    map[Kind]int
	swallowed map[Kind]int
	outcomes  []bool
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		published: make(map[Kind]int),
		errors:    make(map[Kind]int),
		swallowed: make(map[Kind]int),
	}
}

func (m *recordingMetrics) IncPublished(kind Kind) {
	m.mu.Lock()
	m.published[kind]++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncPublishErrors(kind Kind) {
	m.mu.Lock()
	m.errors[kind]++
	m.mu.Unlock()
}

func (m *recordingMetrics) ObservePublishDuration(_ Kind, _ time.Duration, ok bool) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, ok)
	m.mu.Unlock()
}

func (m *recordingMetrics) IncSwallowed(kind Kind) {
	m.mu.Lock()
	m.swallowed[kind]++
	m.mu.Unlock()
}

// manualUnitOfWork collects callbacks and runs them on commit.
type manualUnitOfWork struct {
	callbacks []func(context.Context)
	done      bool
}

func (u *manualUnitOfWork) AfterCommit(fn func(context.Context)) error {
	if u.done {
		return errUnitDone
	}
	u.callbacks = append(u.callbacks, fn)

	return nil
}

func (u *manualUnitOfWork) commit(ctx context.Context) {
	u.done = true
	for _, fn := range u.callbacks {
		fn(ctx)
	}
}

func (u *manualUnitOfWork) rollback() {
	u.done = true
	u.callbacks = nil
}

var errUnitDone = errors.New("unit of work finished")

func sampleNews() News {
	image := "https://cdn.example.com/1.png"

	return News{
		ID:           1,
		Title:        "T",
		Text:         "body",
		ImageURL:     &image,
		CreationDate: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Author:       &Author{ID: 1, Nickname: "alice"},
	}
}

func sampleComment() Comment {
	news := sampleNews()
	parent := int64(7)

	return Comment{
		ID:              11,
		Text:            "nice",
		CreationDate:    time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		Author:          &Author{ID: 2, Nickname: "bob"},
		News:            &news,
		ParentCommentID: &parent,
	}
}
