package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher 把审计事件发布到 nats subject，事件类型追加为子主题
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func ConnectNATS(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("pulsebus-audit"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: nats connect %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Subject 事件实际发布的主题，如 pulsebus.audit.session_closed
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.subject + "." + string(kind)
}

func (p *NATSPublisher) Record(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	return p.nc.Publish(p.Subject(e.Kind), data)
}

func (p *NATSPublisher) Close() error { return p.nc.Drain() }
