package events

import (
	"context"
	"strings"
)

// TopicNoticeCreated 新公告写入后由后台服务发布，hub 收到后立即刷新 notices 频道
const TopicNoticeCreated = "notices:created"

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe ctx 结束时取消订阅并关闭返回的 channel
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

// NoticeCreated notices:created 的负载
type NoticeCreated struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
