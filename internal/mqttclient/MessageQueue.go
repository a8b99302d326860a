package mqttclient

import (
	"context"
	"sync"
)

// messageQueue is an unbounded FIFO of received messages.
// Push never blocks so the MQTT router is never held up by a slow consumer.
type messageQueue struct {
	mutex  sync.Mutex
	items  []interface{}
	notify chan struct{}
}

func (queue *messageQueue) push(item interface{}) {
	queue.mutex.Lock()
	queue.items = append(queue.items, item)
	queue.mutex.Unlock()
	select {
	case queue.notify <- struct{}{}:
	default:
	}
}

func (queue *messageQueue) pop() (item interface{}, ok bool) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if len(queue.items) == 0 {
		return nil, false
	}
	item = queue.items[0]
	queue.items[0] = nil
	queue.items = queue.items[1:]
	return item, true
}

// wait for the next item
//  ctx to stop waiting
//  done is closed when no more items will arrive
// Returns ctx.Err() when cancelled or errDone when done is closed and the queue is empty
func (queue *messageQueue) wait(ctx context.Context, done <-chan struct{}, errDone error) (interface{}, error) {
	for {
		if item, ok := queue.pop(); ok {
			return item, nil
		}
		select {
		case <-queue.notify:
		case <-done:
			if item, ok := queue.pop(); ok {
				return item, nil
			}
			return nil, errDone
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{notify: make(chan struct{}, 1)}
}
