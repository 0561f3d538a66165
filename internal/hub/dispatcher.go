package hub

import (
	"context"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"markethub.com/internal/channel"
	"markethub.com/internal/wsmetrics"
	"markethub.com/pkg/logger"
)

// Dispatcher 把 producer 的数据广播给频道订阅者。
// 每个连接都是非阻塞入队，慢客户端不会卡住广播。
type Dispatcher struct {
	reg *Registry
}

func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// HasSubscribers 让 producer 在构造 payload 之前先确认有人听
func (d *Dispatcher) HasSubscribers(desc channel.Descriptor) bool {
	return d.reg.HasSubscribers(desc)
}

// Active 某类频道当前所有有订阅者的 descriptor
func (d *Dispatcher) Active(kind channel.Kind) []channel.Descriptor {
	return d.reg.Channels(kind)
}

// Publish 编码一次 {channel,type,data}，投递给所有订阅者。投递失败只会触发该连接的异步关闭。
func (d *Dispatcher) Publish(desc channel.Descriptor, payload any) {
	if !d.reg.HasSubscribers(desc) {
		wsmetrics.OnPublish(desc.Type(), 0)
		return
	}

	frame, err := json.Marshal(UpdateFrame{
		Channel: desc.String(),
		Type:    desc.Type(),
		Data:    payload,
	})
	if err != nil {
		logger.Error(context.Background(), "encode update frame failed", zap.String("channel", desc.Key()), zap.Error(err))
		return
	}

	targets := d.reg.fanout(desc, frame)
	wsmetrics.OnPublish(desc.Type(), len(targets))
	for _, s := range targets {
		if !s.offer(frame) {
			go s.Close(CloseReasonSendFailed)
		}
	}
}
