package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"claimline/internal/domain"
)

// Notification is the outbound form of a recorded event.
type Notification struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	LineageID  string          `json:"lineage_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// FromEvent converts a stored event. Payloads that are not valid JSON are
// carried verbatim in PayloadRaw.
func FromEvent(evt domain.EventRecord) Notification {
	n := Notification{
		ID:         evt.ID,
		Type:       evt.Type,
		LineageID:  evt.LineageID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			n.Payload = json.RawMessage(evt.Payload)
		} else {
			n.PayloadRaw = evt.Payload
		}
	}
	return n
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NATS publishes each notification on "<prefix>.<type>".
type NATS struct {
	Conn   *nats.Conn
	Prefix string
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("claimline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

func (p NATS) Subject(evtType string) string {
	prefix := strings.TrimSuffix(p.Prefix, ".")
	if prefix == "" {
		return evtType
	}
	return prefix + "." + evtType
}

func (p NATS) Notify(_ context.Context, n Notification) error {
	if p.Conn == nil {
		return errors.New("nats connection not set")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject(n.Type))
	msg.Data = data
	msg.Header.Set("Claimline-Event-Id", fmt.Sprintf("%d", n.ID))
	return p.Conn.PublishMsg(msg)
}

// Log writes notifications to a zap logger. It is the fallback when no
// broker is configured.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("notification",
		zap.Int64("event_id", n.ID),
		zap.String("type", n.Type),
		zap.String("lineage", n.LineageID),
		zap.String("entity", n.EntityKind+"/"+n.EntityID),
		zap.ByteString("payload", n.Payload),
	)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
