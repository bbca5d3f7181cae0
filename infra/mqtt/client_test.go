package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"

	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/notify"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func newMockedClient(t *testing.T, mc *mockClient, cfg Config) *PahoClient {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() {
		newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }
	})
	cli, err := NewPahoClient(cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return cli
}

func TestDriverTopicSubscriptions(t *testing.T) {
	mc := &mockClient{}
	newMockedClient(t, mc, Config{
		Broker:   "tcp://localhost:1883",
		ClientID: "id",
		QoS:      map[string]byte{"response": 1, "position": 2},
	})
	if len(mc.subscribed) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(mc.subscribed))
	}
	if mc.subscribed[0].topic != "driver/+/response" || mc.subscribed[0].qos != 1 {
		t.Fatalf("response subscription wrong: %+v", mc.subscribed[0])
	}
	if mc.subscribed[1].topic != "driver/+/position" || mc.subscribed[1].qos != 2 {
		t.Fatalf("position subscription wrong: %+v", mc.subscribed[1])
	}
}

func TestAlertChannelPublishesToDriverTopic(t *testing.T) {
	mc := &mockClient{}
	cli := newMockedClient(t, mc, Config{
		Broker:   "tcp://localhost:1883",
		ClientID: "id",
		QoS:      map[string]byte{"alert": 1},
	})
	ch, err := NewAlertChannel(cli)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	err = ch.Send(context.Background(), "drv-7", notify.Payload{AssignmentID: "a1"}, notify.PriorityAlarm)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mc.published) != 1 || mc.published[0].topic != "driver/drv-7/alert" {
		t.Fatalf("publish topic wrong: %+v", mc.published)
	}
	if mc.published[0].qos != 1 {
		t.Fatalf("alert qos not applied")
	}
}

func TestPublishRetryLogic(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), nil}}
	cli := newMockedClient(t, mc, Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1})
	ch, _ := NewAlertChannel(cli)
	if err := ch.Send(context.Background(), "drv-1", notify.Payload{}, notify.PriorityNormal); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mc.published) != 2 {
		t.Fatalf("expected retries")
	}
}

func TestLWTConfigured(t *testing.T) {
	mc := &mockClient{}
	newMockedClient(t, mc, Config{Broker: "tcp://localhost:1883", ClientID: "id", LWTTopic: "lwt", LWTPayload: "bye", LWTQoS: 1})
	if !mc.opts.WillEnabled {
		t.Fatalf("will not enabled")
	}
	if mc.opts.WillTopic != "lwt" || string(mc.opts.WillPayload) != "bye" {
		t.Fatalf("will options incorrect")
	}
}

type captureResponder struct {
	assignmentID string
	decision     model.Decision
}

func (c *captureResponder) OnResponse(_ context.Context, assignmentID string, decision model.Decision) (model.DriverAssignment, error) {
	c.assignmentID = assignmentID
	c.decision = decision
	return model.DriverAssignment{ID: assignmentID}, nil
}

func TestResponseRouting(t *testing.T) {
	mc := &mockClient{}
	cli := newMockedClient(t, mc, Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	r := &captureResponder{}
	cli.SetResponder(r)

	cli.onResponse(nil, mockMessage{[]byte(`{"assignment_id":"a1","driver_id":"d1","decision":"DECLINE"}`)})
	if r.assignmentID != "a1" || r.decision != model.DecisionDecline {
		t.Fatalf("response not routed: %+v", r)
	}

	// Unknown decisions are dropped, not forwarded.
	r.assignmentID = ""
	cli.onResponse(nil, mockMessage{[]byte(`{"assignment_id":"a2","decision":"MAYBE"}`)})
	if r.assignmentID != "" {
		t.Fatalf("unknown decision forwarded")
	}
}

type captureSink struct {
	sessionID string
	position  model.Position
}

func (c *captureSink) Ingest(_ context.Context, sessionID string, p model.Position) (bool, error) {
	c.sessionID = sessionID
	c.position = p
	return true, nil
}

func TestPositionRouting(t *testing.T) {
	mc := &mockClient{}
	cli := newMockedClient(t, mc, Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	sink := &captureSink{}
	cli.SetPositionSink(sink)

	cli.onPosition(nil, mockMessage{[]byte(`{"session_id":"s1","lat":19.07,"lng":72.87,"sequence":4,"timestamp_ms":1700000000000}`)})
	if sink.sessionID != "s1" || sink.position.Sequence != 4 {
		t.Fatalf("position not routed: %+v", sink)
	}
	if sink.position.Timestamp.IsZero() {
		t.Fatalf("timestamp not decoded")
	}
}

type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}
	published []struct {
		topic string
		qos   byte
	}
	publishErrs []error
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, _ interface{}) paho.Token {
	m.published = append(m.published, struct {
		topic string
		qos   byte
	}{topic, qos})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type mockMessage struct{ payload []byte }

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return "" }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.payload }
func (m mockMessage) Ack()              {}

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }
