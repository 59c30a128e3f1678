package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shardq/project/internal/schema"
)

const (
	tablePrefix = "q_"

	DefaultAttempts          = 5
	DefaultVisibilityTimeout = time.Minute
)

var ErrInvalidQueueName = errors.New("invalid queue name")
var ErrInvalidShard = errors.New("invalid message shard")
var ErrRangeMismatch = errors.New("queue ids outside node range")

var queueNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,55}$`)

// Queue names one queue table. The same table exists on every node.
type Queue struct {
	Name string
	// Attempts is how many times a message is handed out before it expires.
	Attempts int
}

func New(name string) (Queue, error) {
	if !queueNamePattern.MatchString(name) {
		return Queue{}, fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	return Queue{Name: name, Attempts: DefaultAttempts}, nil
}

func (q Queue) TableName() string {
	return tablePrefix + q.Name
}

// ID is a message id together with the node that generated it.
type ID struct {
	Local    int64
	ServerID schema.ServerID
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.ServerID, id.Local)
}

type SendMessage struct {
	Shard int
	Key   string
	Data  []byte
	Delay time.Duration
}

type Message struct {
	ID                ID
	Shard             int
	Key               string
	Data              []byte
	CreatedAt         time.Time
	RemainingAttempts int
}

type ReceiveOptions struct {
	// VisibilityTimeout hides received messages from other consumers until it expires.
	// Zero means DefaultVisibilityTimeout.
	VisibilityTimeout time.Duration
}

func (o ReceiveOptions) visibility() time.Duration {
	if o.VisibilityTimeout <= 0 {
		return DefaultVisibilityTimeout
	}
	return o.VisibilityTimeout
}

type Producer interface {
	Send(ctx context.Context, messages []SendMessage) ([]ID, error)
}

type Consumer interface {
	Receive(ctx context.Context, limit int, opts ReceiveOptions) ([]Message, error)
	Delete(ctx context.Context, ids []ID) (int, error)
	// Sweep removes messages that ran out of attempts.
	Sweep(ctx context.Context) (int, error)
}
