// Package mqtt carries the driver-facing transport: alarm alerts out,
// accept/decline responses and position fixes back in.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker        string          `json:"broker"`
	ClientID      string          `json:"client_id"`
	Username      string          `json:"username"`
	Password      string          `json:"password"`
	ResponseTopic string          `json:"response_topic"`
	PositionTopic string          `json:"position_topic"`
	UseTLS        bool            `json:"use_tls"`
	ClientCert    string          `json:"client_cert"`
	ClientKey     string          `json:"client_key"`
	CABundle      string          `json:"ca_bundle"`
	AuthMethod    string          `json:"auth_method"`
	QoS           map[string]byte `json:"qos"`
	LWTTopic      string          `json:"lwt_topic"`
	LWTPayload    string          `json:"lwt_payload"`
	LWTQoS        byte            `json:"lwt_qos"`
	LWTRetain     bool            `json:"lwt_retain"`
	MaxRetries    int             `json:"max_retries"`
	BackoffMS     int             `json:"backoff_ms"`
	TLSConfig     *tls.Config     `json:"-"`
}

// SetDefaults applies the wildcard driver topics when none are configured.
func (c *Config) SetDefaults() {
	if c.ResponseTopic == "" {
		c.ResponseTopic = "driver/+/response"
	}
	if c.PositionTopic == "" {
		c.PositionTopic = "driver/+/position"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Responder consumes driver accept/decline messages. Implemented by the
// notification dispatcher.
type Responder interface {
	OnResponse(ctx context.Context, assignmentID string, decision model.Decision) (model.DriverAssignment, error)
}

// PositionSink consumes driver position fixes. Implemented by the tracking
// stream.
type PositionSink interface {
	Ingest(ctx context.Context, sessionID string, p model.Position) (bool, error)
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// PahoClient connects the dispatch core to the driver devices over an MQTT
// broker using Eclipse Paho.
type PahoClient struct {
	cli           pahoClient
	responseTopic string
	positionTopic string
	qos           map[string]byte
	logger        logger.Logger
	maxRetries    int
	backoff       time.Duration

	mu        sync.Mutex
	responder Responder
	positions PositionSink
}

// NewPahoClient connects to the MQTT broker and subscribes to the driver
// response and position topics.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		responseTopic: cfg.ResponseTopic,
		positionTopic: cfg.PositionTopic,
		qos:           cfg.QoS,
		logger:        log,
		maxRetries:    cfg.MaxRetries,
		backoff:       time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(pc.responseTopic, pc.qosFor("response"), pc.onResponse); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", pc.responseTopic, token.Error())
		}
		if token := c.Subscribe(pc.positionTopic, pc.qosFor("position"), pc.onPosition); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", pc.positionTopic, token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

// SetResponder wires the notification dispatcher.
func (p *PahoClient) SetResponder(r Responder) {
	p.mu.Lock()
	p.responder = r
	p.mu.Unlock()
}

// SetPositionSink wires the tracking stream.
func (p *PahoClient) SetPositionSink(s PositionSink) {
	p.mu.Lock()
	p.positions = s
	p.mu.Unlock()
}

func (p *PahoClient) qosFor(kind string) byte {
	if q, ok := p.qos[kind]; ok {
		return q
	}
	return 0
}

type responseMessage struct {
	AssignmentID string `json:"assignment_id"`
	DriverID     string `json:"driver_id"`
	Decision     string `json:"decision"`
}

func (p *PahoClient) onResponse(_ paho.Client, msg paho.Message) {
	var m responseMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Errorf("decode response on %s: %v", msg.Topic(), err)
		return
	}
	decision, ok := model.ParseDecision(m.Decision)
	if !ok {
		p.logger.Warnf("unknown decision %q for assignment %s", m.Decision, m.AssignmentID)
		return
	}
	p.mu.Lock()
	r := p.responder
	p.mu.Unlock()
	if r == nil {
		p.logger.Warnf("response for %s dropped, no responder wired", m.AssignmentID)
		return
	}
	if _, err := r.OnResponse(context.Background(), m.AssignmentID, decision); err != nil {
		p.logger.Errorf("apply response for %s: %v", m.AssignmentID, err)
	}
}

type positionMessage struct {
	SessionID string  `json:"session_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Sequence  uint64  `json:"sequence"`
	Timestamp int64   `json:"timestamp_ms"`
}

func (p *PahoClient) onPosition(_ paho.Client, msg paho.Message) {
	var m positionMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Errorf("decode position on %s: %v", msg.Topic(), err)
		return
	}
	p.mu.Lock()
	sink := p.positions
	p.mu.Unlock()
	if sink == nil {
		return
	}
	pos := model.Position{Lat: m.Lat, Lng: m.Lng, Sequence: m.Sequence}
	if m.Timestamp > 0 {
		pos.Timestamp = time.UnixMilli(m.Timestamp)
	}
	accepted, err := sink.Ingest(context.Background(), m.SessionID, pos)
	if err != nil {
		p.logger.Errorf("ingest position for %s: %v", m.SessionID, err)
		return
	}
	if !accepted {
		p.logger.Debugf("position seq %d for %s dropped", m.Sequence, m.SessionID)
	}
}

// publish sends payload to topic with the bounded retry schedule.
func (p *PahoClient) publish(topic string, qos byte, payload []byte) error {
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		p.logger.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		time.Sleep(p.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
