package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message{subject: subject, data: data})
	return nil
}

func TestPublisher_PublishesOnRunSubject(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, nil)

	p.Publish(Event{RunID: "r1", Step: "process_sections", Category: "section", Message: "1. Scope COMPLETED"})

	require.Len(t, conn.messages, 1)
	assert.Equal(t, "testplan.progress.r1", conn.messages[0].subject)

	var ev Event
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &ev))
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, "1. Scope COMPLETED", ev.Message)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPublisher_SwallowsErrors(t *testing.T) {
	p := NewPublisher(&fakeConn{err: errors.New("broker down")}, nil)
	assert.NotPanics(t, func() { p.Publish(Event{RunID: "r1"}) })
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.Publish(Event{RunID: "r1"}) })
}
