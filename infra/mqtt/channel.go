package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/freightd/core/notify"
)

// AlertChannel delivers driver alerts over the MQTT transport. It is the
// primary notification channel; the broker handles device wakeup.
type AlertChannel struct {
	client *PahoClient
}

// NewAlertChannel wraps a connected PahoClient.
func NewAlertChannel(client *PahoClient) (*AlertChannel, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt: nil client")
	}
	return &AlertChannel{client: client}, nil
}

// Name identifies the channel in metrics and events.
func (c *AlertChannel) Name() string { return "mqtt_push" }

type alertMessage struct {
	notify.Payload
	Priority  string `json:"priority"`
	Timestamp int64  `json:"timestamp_ms"`
}

// Send publishes the alert to the driver's device topic.
func (c *AlertChannel) Send(ctx context.Context, driverID string, p notify.Payload, prio notify.Priority) error {
	priority := "normal"
	if prio == notify.PriorityAlarm {
		priority = "alarm"
	}
	payload, err := json.Marshal(alertMessage{
		Payload:   p,
		Priority:  priority,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("driver/%s/alert", driverID)
	return c.client.publish(topic, c.client.qosFor("alert"), payload)
}
