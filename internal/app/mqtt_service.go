package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/mqttsink"
)

// MQTTService mirrors ChangeSets to the broker.
type MQTTService struct {
	cfg         *config.Config
	client      *mqttsink.Client
	unsubscribe func()
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config) *MQTTService {
	return &MQTTService{cfg: cfg}
}

// Start connects and subscribes the sink to bus if enabled. A broker that
// cannot be reached is logged and skipped; state sync keeps running.
func (s *MQTTService) Start(bus *eventbus.Bus) {
	if !s.cfg.MQTT.Enabled {
		log.Debug().Msg("MQTT sink disabled")
		return
	}

	client, err := mqttsink.Connect(mqttsink.ClientConfig{
		Broker:      s.cfg.MQTT.Broker,
		ClientID:    s.cfg.MQTT.ClientID,
		Username:    s.cfg.MQTT.Username,
		Password:    s.cfg.MQTT.Password,
		TopicPrefix: s.cfg.MQTT.TopicPrefix,
		QoS:         byte(s.cfg.MQTT.QoS),
		Timeout:     s.cfg.MQTT.Timeout.Duration(),
	})
	if err != nil {
		log.Error().Err(err).Str("broker", s.cfg.MQTT.Broker).Msg("Failed to connect MQTT sink")
		return
	}
	s.client = client

	sink := mqttsink.NewSink(client, s.cfg.MQTT.TopicPrefix, byte(s.cfg.MQTT.QoS), s.cfg.MQTT.Retain)
	s.unsubscribe = sink.Attach(bus)
	log.Info().Str("broker", s.cfg.MQTT.Broker).Str("prefix", s.cfg.MQTT.TopicPrefix).Msg("MQTT sink started")
}

// Close detaches the sink and disconnects.
func (s *MQTTService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.client != nil {
		s.client.Close()
	}
}
