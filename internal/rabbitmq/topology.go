package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclarer is the part of *amqp.Channel used to declare queues
type QueueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	MessageTTL time.Duration
	MaxLength  int
	Arguments  amqp.Table
}

// args merges the typed limits into the raw argument table
func (q QueueDeclaration) args() amqp.Table {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = int64(q.MaxLength)
	}
	return args
}

// DeclareQueues declares every queue in order, stopping at the first failure
func DeclareQueues(ch QueueDeclarer, queues ...QueueDeclaration) error {
	for _, q := range queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.args()); err != nil {
			return &ChannelError{Op: "declare", Queue: q.Name, Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}
