// Package notify 用户通知发布
package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unicom/shop-payment/pkg/logger"
)

// Message 通知消息
type Message struct {
	UserID int64
	Text   string
}

// StreamNotifier 有界队列 + 工作池，把通知写入 Redis Stream,
// 由 Telegram 机器人消费。队列满或发布失败只记录日志。
type StreamNotifier struct {
	rdb    *redis.Client
	stream string
	log    *logger.Logger

	queue chan Message
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewStreamNotifier 创建通知器并启动 workers 个发布协程
func NewStreamNotifier(rdb *redis.Client, stream string, workers, queueSize int, log *logger.Logger) *StreamNotifier {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	n := &StreamNotifier{
		rdb:    rdb,
		stream: stream,
		log:    log,
		queue:  make(chan Message, queueSize),
	}

	n.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go n.worker()
	}
	return n
}

// Notify 入队即返回。队列满时丢弃并记录。
func (n *StreamNotifier) Notify(userID int64, message string) {
	select {
	case n.queue <- Message{UserID: userID, Text: message}:
	default:
		n.log.WithField("userID", userID).Warn("notification queue full, message dropped")
	}
}

// Close 停止接收并等待队列排空
func (n *StreamNotifier) Close() {
	n.closeOnce.Do(func() {
		close(n.queue)
	})
	n.wg.Wait()
}

func (n *StreamNotifier) worker() {
	defer n.wg.Done()
	for msg := range n.queue {
		n.publish(msg)
	}
}

func (n *StreamNotifier) publish(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"user_id": strconv.FormatInt(msg.UserID, 10),
			"message": msg.Text,
		},
	}).Err()
	if err != nil {
		n.log.WithError(err).WithField("userID", msg.UserID).Error("publish notification failed")
	}
}
