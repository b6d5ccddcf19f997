// Package telemetry publishes operational snapshots and lifecycle
// events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/events"
	"github.com/stormhold-project/stormhold/internal/server"
	"github.com/stormhold-project/stormhold/internal/util"
)

// Topic suffixes appended to the configured topic prefix.
const (
	TopicStatus  = "status"
	TopicSession = "session"
	TopicGames   = "games"
	TopicAdmin   = "admin"
)

// MQTTHandler manages the MQTT connection, relays bus events and
// publishes a periodic status snapshot.
type MQTTHandler struct {
	cfg    *config.Config
	bus    *events.Bus
	core   *server.Server
	client mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, bus *events.Bus, core *server.Server) (*MQTTHandler, error) {
	mqttCfg := cfg.ApplicationData.MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:  cfg,
		bus:  bus,
		core: core,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"platform":  sysInfo.Platform,
			"server":    cfg.GetServer().ServerName,
			"cpu_cores": sysInfo.CPUCores,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("stormhold-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects to the broker, subscribes to bus events and publishes
// status snapshots until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	mqttCfg := h.cfg.ApplicationData.MQTT
	log.Info().
		Str("broker", mqttCfg.BrokerURL).
		Int("port", mqttCfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	st := h.core.CurrentStatus()
	h.publish(TopicAdmin, map[string]interface{}{
		"event":   "online",
		"players": st.Players,
		"games":   st.Games,
	})

	<-ctx.Done()
	h.publish(TopicAdmin, map[string]interface{}{"event": "shutdown"})
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.bus.Subscribe(events.EventPlayerLogin, "mqtt.playerLogin", h.onSession("login"))
	h.bus.Subscribe(events.EventPlayerLogout, "mqtt.playerLogout", h.onSession("logout"))
	h.bus.Subscribe(events.EventGameCreated, "mqtt.gameCreated", h.onGame("created"))
	h.bus.Subscribe(events.EventGameStarted, "mqtt.gameStarted", h.onGame("started"))
	h.bus.Subscribe(events.EventGameEnded, "mqtt.gameEnded", h.onGame("ended"))
	h.bus.Subscribe(events.EventServerStatus, "mqtt.serverStatus", h.onStatus)
}

func (h *MQTTHandler) onStatus(ctx context.Context, event events.Event) error {
	cpu, _ := util.GetCPUUsage()
	h.publish(TopicStatus, map[string]interface{}{
		"status":      event.Payload,
		"cpu_percent": cpu,
	})
	return nil
}

func (h *MQTTHandler) onSession(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(TopicSession, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

func (h *MQTTHandler) onGame(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(TopicGames, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

// publish sends a JSON message to a topic under the configured prefix.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	topic := h.cfg.ApplicationData.MQTT.Topic + "/" + suffix
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}
