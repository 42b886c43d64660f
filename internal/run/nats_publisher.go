package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisherConfig 描述 NATS 连接与主题前缀。
type NATSPublisherConfig struct {
	URL           string
	SubjectPrefix string
}

// NATSPublisher 把事件发布到 <prefix>.<runID>.<eventType> 主题。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher 连接 NATS。
func NewNATSPublisher(cfg NATSPublisherConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "agentguard.runs"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("agentguard"))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject 返回事件对应的主题。
func (p *NATSPublisher) Subject(event Event) string {
	return p.prefix + "." + event.PlanRunID + "." + string(event.Type)
}

// Publish 实现 Publisher。
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.conn == nil {
		return errPublisherNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := event.MarshalEnvelope()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(event), payload); err != nil {
		return fmt.Errorf("NATS 发布事件失败: %w", err)
	}
	return nil
}

// Close 刷新待发送消息并关闭连接。
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
