// Package device connects a provisioned device to the data endpoint
package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/secrets"
)

// Options configures the device connection
type Options struct {
	// Endpoint is the host name of the data endpoint. This is mandatory.
	Endpoint string
	// Port defaults to 8883
	Port int
	// ClientID is the MQTT client ID. The device policy only allows the thing name.
	ClientID string
	// KeyFile and CertFile are the names of the private key and certificate in the store.
	KeyFile  string
	CertFile string
	// CAFile is an optional PEM file with the root certificate of the endpoint. If empty,
	// the system roots are used.
	CAFile string
	// RootCAPEM is used instead of CAFile if set
	RootCAPEM []byte
	// SubTopic is subscribed to, PubTopic is published to
	SubTopic string
	PubTopic string
	// Interval between two publications. Default is 5 seconds.
	Interval time.Duration
	// ConnectTimeout defaults to 30 seconds
	ConnectTimeout time.Duration
	// OnMessage is called for every message received on SubTopic, after logging it.
	OnMessage func(topic string, payload []byte)
}

// Greeting is the payload the device publishes
type Greeting struct {
	Hello string `json:"hello"`
}

// Session is a connected device
type Session struct {
	client paho.Client
	opts   Options
	lost   chan error
}

// TLSConfig returns the client TLS configuration from PEM encoded certificate and key,
// and an optional PEM encoded root certificate.
func TLSConfig(certPEM, keyPEM, caPEM []byte, serverName string) (*tls.Config, error) {
	crt, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid device certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificate found in CA file")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Connect loads the device credentials from store and connects to the endpoint.
// The session does not reconnect; a lost connection ends Run.
func Connect(ctx context.Context, store secrets.Store, o Options) (*Session, error) {
	rlog := logger.FromContext(ctx)
	if len(o.Endpoint) == 0 {
		return nil, fmt.Errorf("endpoint missing")
	}
	if len(o.ClientID) == 0 {
		return nil, fmt.Errorf("client ID missing")
	}
	if o.Port == 0 {
		o.Port = 8883
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}

	keyPEM, err := store.Load(ctx, o.KeyFile)
	if err != nil {
		return nil, err
	}
	certPEM, err := store.Load(ctx, o.CertFile)
	if err != nil {
		return nil, err
	}
	caPEM := o.RootCAPEM
	if len(caPEM) == 0 && len(o.CAFile) > 0 {
		if caPEM, err = os.ReadFile(o.CAFile); err != nil {
			return nil, err
		}
	}
	tlsConfig, err := TLSConfig(certPEM, keyPEM, caPEM, o.Endpoint)
	if err != nil {
		return nil, err
	}

	s := &Session{opts: o, lost: make(chan error, 1)}
	broker := "ssl://" + o.Endpoint + ":" + strconv.Itoa(o.Port)
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(o.ClientID).
		SetTLSConfig(tlsConfig).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(o.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			rlog.WithError(err).Warn("connection lost")
			select {
			case s.lost <- err:
			default:
			}
		})
	s.client = paho.NewClient(opts)

	rlog.Infof("connecting to %s as %s", broker, o.ClientID)
	if err := wait(ctx, s.client.Connect()); err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", broker, err)
	}
	rlog.Info("connected")
	return s, nil
}

// Run subscribes to the sub topic, publishes a greeting right away and then once per
// interval until ctx is done. It disconnects before returning.
func (s *Session) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	defer s.client.Disconnect(250)

	if len(s.opts.SubTopic) > 0 {
		token := s.client.Subscribe(s.opts.SubTopic, 0, func(_ paho.Client, msg paho.Message) {
			rlog.WithField("topic", msg.Topic()).Info(string(msg.Payload()))
			if s.opts.OnMessage != nil {
				s.opts.OnMessage(msg.Topic(), msg.Payload())
			}
		})
		if err := wait(ctx, token); err != nil {
			return fmt.Errorf("cannot subscribe to %s: %w", s.opts.SubTopic, err)
		}
	}

	if err := s.publish(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.lost:
			return fmt.Errorf("connection lost: %w", err)
		case <-ticker.C:
			if err := s.publish(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Session) publish(ctx context.Context) error {
	if len(s.opts.PubTopic) == 0 {
		return nil
	}
	payload, err := json.Marshal(Greeting{Hello: "world"})
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("publishing message %s", payload)
	if err := wait(ctx, s.client.Publish(s.opts.PubTopic, 0, false, payload)); err != nil {
		return fmt.Errorf("cannot publish to %s: %w", s.opts.PubTopic, err)
	}
	return nil
}

// Publish publishes payload on topic
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	return wait(ctx, s.client.Publish(topic, 0, false, payload))
}

// Close disconnects the device
func (s *Session) Close() {
	s.client.Disconnect(250)
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
