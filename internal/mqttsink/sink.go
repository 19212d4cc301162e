// Package mqttsink mirrors device state changes to an MQTT broker as
// retained JSON messages.
package mqttsink

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/eventbus"
)

// Publisher sends one MQTT message.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Subscriber delivers ChangeSets.
type Subscriber interface {
	Subscribe(handler eventbus.Handler) (unsubscribe func())
}

// Message is the payload published for each ChangeSet.
type Message struct {
	Device  device.Device `json:"device"`
	Changed []device.Attr `json:"changed"`
	Source  device.Source `json:"source"`
	At      time.Time     `json:"at"`
}

// Sink publishes ChangeSets to {prefix}/{home_id}/{device_id}/state.
type Sink struct {
	publisher Publisher
	prefix    string
	qos       byte
	retain    bool
}

// NewSink creates a Sink.
func NewSink(publisher Publisher, prefix string, qos byte, retain bool) *Sink {
	return &Sink{
		publisher: publisher,
		prefix:    prefix,
		qos:       qos,
		retain:    retain,
	}
}

// Topic returns the state topic for d.
func (s *Sink) Topic(d device.Device) string {
	return s.prefix + "/" + d.HomeID + "/" + d.ID + "/state"
}

// Attach subscribes the sink to bus and returns the unsubscribe function.
func (s *Sink) Attach(bus Subscriber) func() {
	return bus.Subscribe(s.Handle)
}

// Handle publishes one ChangeSet. Failures are logged; the bus keeps going.
func (s *Sink) Handle(cs device.ChangeSet) {
	payload, err := json.Marshal(Message{
		Device:  cs.Device,
		Changed: cs.Changed,
		Source:  cs.Source,
		At:      cs.At,
	})
	if err != nil {
		log.Error().Err(err).Str("device", cs.DeviceID).Msg("Failed to encode MQTT state")
		published.WithLabelValues("error").Inc()
		return
	}

	topic := s.Topic(cs.Device)
	if err := s.publisher.Publish(topic, s.qos, s.retain, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to publish MQTT state")
		published.WithLabelValues("error").Inc()
		return
	}

	published.WithLabelValues("ok").Inc()
	log.Debug().Str("topic", topic).Uint64("revision", cs.Device.Revision).Msg("Published MQTT state")
}
