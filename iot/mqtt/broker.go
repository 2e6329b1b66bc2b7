package mqtt

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/policy"
	"github.com/sirupsen/logrus"
)

// RuleAction is invoked for every authorized message on the topic of a rule
type RuleAction func(ctx context.Context, topic string, payload []byte)

// Rule forwards messages matching Topic, an MQTT topic filter, to Action
type Rule struct {
	Topic  string
	Action RuleAction
}

// Registry knows the status of device certificates, identified by the hex encoded
// SHA-256 fingerprint of the certificate.
type Registry interface {
	CertificateStatus(id string) (types.CertificateStatus, bool)
}

// Broker is a local MQTT broker which authorizes devices like AWS IoT does.
type Broker struct {
	p    *plugin
	stop func(ctx context.Context)
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Address to listen on. Default is ":8883".
	Address string
	// Certificate is the server certificate. Alternatively set CertFile and KeyFile.
	Certificate *tls.Certificate
	CertFile    string
	KeyFile     string
	// CACertPEM or CACertFile is the certificate authority of the device certificates.
	// This is mandatory.
	CACertPEM  []byte
	CACertFile string
	// Policy authorizes connect, subscribe and publish. This is mandatory.
	Policy policy.Document
	// Resources are used to build the ARNs the policy is evaluated against
	Resources policy.Resources
	// Registry is optional. If set, only ACTIVE certificates may connect.
	Registry Registry
	// Rules forward device messages
	Rules []Rule
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln        net.Listener
	certIdsRwmux sync.RWMutex
	certIds      map[net.Conn]string
	service      gmqtt.Server
	policy       policy.Document
	resources    policy.Resources
	registry     Registry
	rules        []Rule
	rlog         *logrus.Entry
	actions      sync.WaitGroup
}

// NewBroker returns a new broker listening on the configured address. The broker will not
// actually serve until you call Start or Run.
func NewBroker(bb *Builder) (*Broker, error) {
	if len(bb.Policy.Statement) == 0 {
		return nil, fmt.Errorf("policy missing")
	}

	crt := bb.Certificate
	if crt == nil {
		if len(bb.CertFile) == 0 || len(bb.KeyFile) == 0 {
			return nil, fmt.Errorf("server certificate missing")
		}
		c, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			return nil, err
		}
		crt = &c
	}

	caCert := bb.CACertPEM
	if len(caCert) == 0 {
		if len(bb.CACertFile) == 0 {
			return nil, fmt.Errorf("ca-cert missing")
		}
		var err error
		if caCert, err = os.ReadFile(bb.CACertFile); err != nil {
			return nil, err
		}
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificate found in ca-cert")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	address := bb.Address
	if len(address) == 0 {
		address = ":8883"
	}
	tlsln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		return nil, err
	}

	return &Broker{
		p: &plugin{
			tlsln:     tlsln,
			certIds:   make(map[net.Conn]string),
			policy:    bb.Policy,
			resources: bb.Resources,
			registry:  bb.Registry,
			rules:     bb.Rules,
			rlog:      logger.Default().WithField("component", "broker"),
		},
	}, nil
}

// Addr returns the listen address
func (b *Broker) Addr() net.Addr {
	return b.p.tlsln.Addr()
}

// Start starts serving in the background
func (b *Broker) Start() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.stop = func(ctx context.Context) {
		s.Stop(ctx)
	}
	b.p.rlog.Infof("listening on %s", b.Addr())
}

// Stop stops the broker and waits for running rule actions
func (b *Broker) Stop(ctx context.Context) {
	if b.stop != nil {
		b.stop(ctx)
		b.stop = nil
	}
	b.p.actions.Wait()
	b.p.rlog.Info("stopped")
}

// Run is blocking and serves until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	b.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Stop(stopCtx)
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.rlog.Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iotsetup broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// CertificateID returns the ID AWS IoT assigns to a certificate
func CertificateID(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// takeCertificateID returns and forgets the certificate ID of an accepted connection
func (p *plugin) takeCertificateID(conn net.Conn) (string, bool) {
	p.certIdsRwmux.Lock()
	defer p.certIdsRwmux.Unlock()
	certID, ok := p.certIds[conn]
	delete(p.certIds, conn)
	return certID, ok
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			p.rlog.WithError(err).Debug("handshake failed")
			return false
		}
		tlsConn.SetDeadline(time.Time{})

		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
			return false
		}
		certID := CertificateID(state.VerifiedChains[0][0])
		if p.registry != nil {
			status, ok := p.registry.CertificateStatus(certID)
			if !ok || status != types.CertificateStatusActive {
				p.rlog.Warnf("accept denied, certificate %s is not active", certID)
				return false
			}
		}

		p.certIdsRwmux.Lock()
		p.certIds[conn] = certID
		p.certIdsRwmux.Unlock()
		p.rlog.Debugf("accept %s", certID)
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces iot:Connect for the MQTT client ID
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		certID, ok := p.takeCertificateID(client.Connection())
		if !ok {
			return packets.CodeNotAuthorized
		}
		if !p.policy.Allows(policy.ActionConnect, p.resources.Client(clientID), clientID) {
			p.rlog.Warnf("connect denied, %s not authorized", clientID)
			return packets.CodeNotAuthorized
		}
		p.rlog.WithField("certificate", certID).Infof("connect %s", clientID)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces iot:Subscribe for the topic filter
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !p.policy.Allows(policy.ActionSubscribe, p.resources.TopicFilter(topic.Name), clientID) {
			p.rlog.Warnf("subscribe %s %s denied", clientID, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces iot:Publish and forwards messages to matching rules
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if !p.policy.Allows(policy.ActionPublish, p.resources.Topic(topic), clientID) {
			p.rlog.Warnf("publish %s %s denied", clientID, topic)
			return false
		}
		for _, r := range p.rules {
			if !matchTopic(r.Topic, topic) {
				continue
			}
			payload := append([]byte(nil), msg.Payload()...)
			actionCtx, _ := logger.ContextWithLoggerIdentity(context.Background(), clientID)
			p.actions.Add(1)
			go func(action RuleAction) {
				defer p.actions.Done()
				action(actionCtx, topic, payload)
			}(r.Action)
		}
		return arrived(ctx, client, msg)
	}
}

// matchTopic matches an MQTT topic against a topic filter with + and # wildcards
func matchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
