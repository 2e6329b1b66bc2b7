package controlplane

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/google/uuid"
)

// LocalConfiguration contains the configuration for the in-memory control plane
type LocalConfiguration struct {
	// Region and Account are used to build ARNs. Defaults are "local" and "000000000000".
	Region  string
	Account string
	// CACertFile and CAKeyFile are the PEM files of the local certificate authority which
	// signs device certificates. If both are empty, a fresh authority is generated.
	CACertFile string
	CAKeyFile  string
	// Policies are the names of pre-existing policies.
	Policies []string
	// Endpoint is returned by DescribeEndpoint. Default is "localhost".
	Endpoint string
}

// Local is an in-memory AWS IoT control plane. Device certificates are real X.509
// certificates signed by a local certificate authority, so they can be used against the
// local broker in package mqtt.
//
// Local enforces the preconditions of the real service which matter for provisioning:
// an active certificate cannot be deleted, an attached certificate can only be deleted
// with forceDelete, and a thing with attached principals cannot be deleted.
type Local struct {
	// PageSize is the maximum number of entries returned by list operations. Default is 250.
	PageSize int

	mu           sync.Mutex
	region       string
	account      string
	endpoint     string
	caCert       *x509.Certificate
	caKey        *rsa.PrivateKey
	caPEM        []byte
	serial       int64
	things       map[string]*localThing
	certificates map[string]*localCertificate
	policies     map[string][]string
}

type localThing struct {
	arn        string
	id         string
	principals []string
}

type localCertificate struct {
	arn    string
	status types.CertificateStatus
}

// NewLocal returns a new in-memory control plane
func NewLocal(lc LocalConfiguration) (*Local, error) {
	l := &Local{
		PageSize:     250,
		region:       lc.Region,
		account:      lc.Account,
		endpoint:     lc.Endpoint,
		things:       map[string]*localThing{},
		certificates: map[string]*localCertificate{},
		policies:     map[string][]string{},
	}
	if l.region == "" {
		l.region = "local"
	}
	if l.account == "" {
		l.account = "000000000000"
	}
	if l.endpoint == "" {
		l.endpoint = "localhost"
	}

	var caCertPEM, caKeyPEM []byte
	var err error
	if len(lc.CACertFile) == 0 && len(lc.CAKeyFile) == 0 {
		caCertPEM, caKeyPEM, err = GenerateCA("iotsetup local CA")
		if err != nil {
			return nil, err
		}
	} else {
		if caCertPEM, err = os.ReadFile(lc.CACertFile); err != nil {
			return nil, err
		}
		if caKeyPEM, err = os.ReadFile(lc.CAKeyFile); err != nil {
			return nil, err
		}
	}

	caCertDataPEM, _ := pem.Decode(caCertPEM)
	if caCertDataPEM == nil {
		return nil, fmt.Errorf("CA certificate is not PEM encoded")
	}
	l.caCert, err = x509.ParseCertificate(caCertDataPEM.Bytes)
	if err != nil {
		return nil, err
	}
	caKeyDataPEM, _ := pem.Decode(caKeyPEM)
	if caKeyDataPEM == nil {
		return nil, fmt.Errorf("CA key is not PEM encoded")
	}
	l.caKey, err = x509.ParsePKCS1PrivateKey(caKeyDataPEM.Bytes)
	if err != nil {
		return nil, err
	}
	l.caPEM = caCertPEM

	for _, p := range lc.Policies {
		l.AddPolicy(p)
	}
	return l, nil
}

// GenerateCA creates a self-signed certificate authority and returns certificate and
// private key as PEM.
func GenerateCA(commonName string) (certPEM, keyPEM []byte, err error) {
	ca := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caPrivKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	caBytes, err := x509.CreateCertificate(rand.Reader, ca, ca, &caPrivKey.PublicKey, caPrivKey)
	if err != nil {
		return nil, nil, err
	}
	return encodePEM("CERTIFICATE", caBytes), encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caPrivKey)), nil
}

func encodePEM(blockType string, data []byte) []byte {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{Type: blockType, Bytes: data})
	return buf.Bytes()
}

// CACertificatePEM returns the certificate of the local certificate authority
func (l *Local) CACertificatePEM() []byte {
	return l.caPEM
}

// ServerCertificate issues a TLS server certificate for the given hosts, signed by the
// local certificate authority.
func (l *Local) ServerCertificate(hosts ...string) (tls.Certificate, error) {
	tmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "iotsetup local broker"},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	certPEM, keyPEM, err := l.sign(tmpl)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func (l *Local) sign(tmpl *x509.Certificate) (certPEM, keyPEM []byte, err error) {
	l.mu.Lock()
	l.serial++
	tmpl.SerialNumber = big.NewInt(l.serial + 1)
	l.mu.Unlock()

	certPrivKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, tmpl, l.caCert, &certPrivKey.PublicKey, l.caKey)
	if err != nil {
		return nil, nil, err
	}
	return encodePEM("CERTIFICATE", certBytes), encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(certPrivKey)), nil
}

// AddPolicy registers a pre-existing policy
func (l *Local) AddPolicy(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.policies[name]; !ok {
		l.policies[name] = []string{}
	}
}

// HasThing returns whether a thing with this name exists
func (l *Local) HasThing(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.things[name]
	return ok
}

// CertificateStatus returns the status of a certificate and whether it exists
func (l *Local) CertificateStatus(id string) (types.CertificateStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.certificates[id]
	if !ok {
		return "", false
	}
	return c.status, true
}

func (l *Local) arn(resource string) string {
	return fmt.Sprintf("arn:aws:iot:%s:%s:%s", l.region, l.account, resource)
}

func (l *Local) certificateByARN(arn string) (string, *localCertificate) {
	id, err := CertificateIDFromARN(arn)
	if err != nil {
		return "", nil
	}
	c := l.certificates[id]
	if c == nil || c.arn != arn {
		return "", nil
	}
	return id, c
}

func notFound(format string, a ...interface{}) error {
	return &types.ResourceNotFoundException{Message: aws.String(fmt.Sprintf(format, a...))}
}

func invalidRequest(format string, a ...interface{}) error {
	return &types.InvalidRequestException{Message: aws.String(fmt.Sprintf(format, a...))}
}

func remove(list []string, s string) []string {
	res := list[:0]
	for _, e := range list {
		if e != s {
			res = append(res, e)
		}
	}
	return res
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// page returns the entries of list starting at marker and the marker of the next page
func (l *Local) page(list []string, marker *string) ([]string, *string, error) {
	start := 0
	if m := aws.ToString(marker); m != "" {
		var err error
		start, err = strconv.Atoi(m)
		if err != nil || start < 0 || start > len(list) {
			return nil, nil, invalidRequest("invalid marker %q", m)
		}
	}
	end := start + l.PageSize
	if l.PageSize <= 0 || end > len(list) {
		end = len(list)
	}
	page := append([]string{}, list[start:end]...)
	if end < len(list) {
		return page, aws.String(strconv.Itoa(end)), nil
	}
	return page, nil, nil
}

// CreateThing implements API. Like the real service, creating an existing thing with the
// same thing type succeeds and returns the existing thing.
func (l *Local) CreateThing(ctx context.Context, params *iot.CreateThingInput, optFns ...func(*iot.Options)) (*iot.CreateThingOutput, error) {
	name := aws.ToString(params.ThingName)
	if name == "" {
		return nil, invalidRequest("thing name is missing")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.things[name]
	if !ok {
		t = &localThing{arn: l.arn("thing/" + name), id: uuid.New().String()}
		l.things[name] = t
	}
	return &iot.CreateThingOutput{
		ThingName: aws.String(name),
		ThingArn:  aws.String(t.arn),
		ThingId:   aws.String(t.id),
	}, nil
}

// CreateKeysAndCertificate implements API
func (l *Local) CreateKeysAndCertificate(ctx context.Context, params *iot.CreateKeysAndCertificateInput, optFns ...func(*iot.Options)) (*iot.CreateKeysAndCertificateOutput, error) {
	tmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "AWS IoT Certificate"},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(99, 0, 0), // ninety-nine years later
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	certPEM, keyPEM, err := l.sign(tmpl)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	sum := sha256.Sum256(block.Bytes)
	id := hex.EncodeToString(sum[:])

	status := types.CertificateStatusInactive
	if params.SetAsActive {
		status = types.CertificateStatusActive
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c := &localCertificate{arn: l.arn("cert/" + id), status: status}
	l.certificates[id] = c
	return &iot.CreateKeysAndCertificateOutput{
		CertificateArn: aws.String(c.arn),
		CertificateId:  aws.String(id),
		CertificatePem: aws.String(string(certPEM)),
		KeyPair: &types.KeyPair{
			PrivateKey: aws.String(string(keyPEM)),
		},
	}, nil
}

// AttachPolicy implements API
func (l *Local) AttachPolicy(ctx context.Context, params *iot.AttachPolicyInput, optFns ...func(*iot.Options)) (*iot.AttachPolicyOutput, error) {
	policyName := aws.ToString(params.PolicyName)
	target := aws.ToString(params.Target)
	l.mu.Lock()
	defer l.mu.Unlock()
	targets, ok := l.policies[policyName]
	if !ok {
		return nil, notFound("policy %s does not exist", policyName)
	}
	if _, c := l.certificateByARN(target); c == nil {
		return nil, invalidRequest("target %s does not exist", target)
	}
	if !contains(targets, target) {
		l.policies[policyName] = append(targets, target)
	}
	return &iot.AttachPolicyOutput{}, nil
}

// AttachThingPrincipal implements API
func (l *Local) AttachThingPrincipal(ctx context.Context, params *iot.AttachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.AttachThingPrincipalOutput, error) {
	thingName := aws.ToString(params.ThingName)
	principal := aws.ToString(params.Principal)
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.things[thingName]
	if !ok {
		return nil, notFound("thing %s does not exist", thingName)
	}
	if _, c := l.certificateByARN(principal); c == nil {
		return nil, invalidRequest("principal %s does not exist", principal)
	}
	if !contains(t.principals, principal) {
		t.principals = append(t.principals, principal)
	}
	return &iot.AttachThingPrincipalOutput{}, nil
}

// ListTargetsForPolicy implements API
func (l *Local) ListTargetsForPolicy(ctx context.Context, params *iot.ListTargetsForPolicyInput, optFns ...func(*iot.Options)) (*iot.ListTargetsForPolicyOutput, error) {
	policyName := aws.ToString(params.PolicyName)
	l.mu.Lock()
	defer l.mu.Unlock()
	targets, ok := l.policies[policyName]
	if !ok {
		return nil, notFound("policy %s does not exist", policyName)
	}
	page, next, err := l.page(targets, params.Marker)
	if err != nil {
		return nil, err
	}
	return &iot.ListTargetsForPolicyOutput{Targets: page, NextMarker: next}, nil
}

// ListThingPrincipals implements API
func (l *Local) ListThingPrincipals(ctx context.Context, params *iot.ListThingPrincipalsInput, optFns ...func(*iot.Options)) (*iot.ListThingPrincipalsOutput, error) {
	thingName := aws.ToString(params.ThingName)
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.things[thingName]
	if !ok {
		return nil, notFound("thing %s does not exist", thingName)
	}
	page, next, err := l.page(t.principals, params.NextToken)
	if err != nil {
		return nil, err
	}
	return &iot.ListThingPrincipalsOutput{Principals: page, NextToken: next}, nil
}

// DetachThingPrincipal implements API
func (l *Local) DetachThingPrincipal(ctx context.Context, params *iot.DetachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.DetachThingPrincipalOutput, error) {
	thingName := aws.ToString(params.ThingName)
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.things[thingName]
	if !ok {
		return nil, notFound("thing %s does not exist", thingName)
	}
	t.principals = remove(t.principals, aws.ToString(params.Principal))
	return &iot.DetachThingPrincipalOutput{}, nil
}

// UpdateCertificate implements API
func (l *Local) UpdateCertificate(ctx context.Context, params *iot.UpdateCertificateInput, optFns ...func(*iot.Options)) (*iot.UpdateCertificateOutput, error) {
	id := aws.ToString(params.CertificateId)
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.certificates[id]
	if !ok {
		return nil, notFound("certificate %s does not exist", id)
	}
	switch params.NewStatus {
	case types.CertificateStatusActive, types.CertificateStatusInactive, types.CertificateStatusRevoked:
		c.status = params.NewStatus
	default:
		return nil, invalidRequest("unsupported certificate status %q", params.NewStatus)
	}
	return &iot.UpdateCertificateOutput{}, nil
}

// DeleteCertificate implements API
func (l *Local) DeleteCertificate(ctx context.Context, params *iot.DeleteCertificateInput, optFns ...func(*iot.Options)) (*iot.DeleteCertificateOutput, error) {
	id := aws.ToString(params.CertificateId)
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.certificates[id]
	if !ok {
		return nil, notFound("certificate %s does not exist", id)
	}
	if c.status == types.CertificateStatusActive {
		return nil, &types.CertificateStateException{Message: aws.String("certificate " + id + " is active")}
	}

	var attached bool
	for _, targets := range l.policies {
		attached = attached || contains(targets, c.arn)
	}
	for _, t := range l.things {
		attached = attached || contains(t.principals, c.arn)
	}
	if attached && !params.ForceDelete {
		return nil, &types.DeleteConflictException{Message: aws.String("certificate " + id + " is attached")}
	}

	for name, targets := range l.policies {
		l.policies[name] = remove(targets, c.arn)
	}
	for _, t := range l.things {
		t.principals = remove(t.principals, c.arn)
	}
	delete(l.certificates, id)
	return &iot.DeleteCertificateOutput{}, nil
}

// DeleteThing implements API. Deleting a thing that does not exist succeeds.
func (l *Local) DeleteThing(ctx context.Context, params *iot.DeleteThingInput, optFns ...func(*iot.Options)) (*iot.DeleteThingOutput, error) {
	thingName := aws.ToString(params.ThingName)
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.things[thingName]
	if !ok {
		return &iot.DeleteThingOutput{}, nil
	}
	if len(t.principals) > 0 {
		return nil, invalidRequest("cannot delete thing %s: %d principals attached", thingName, len(t.principals))
	}
	delete(l.things, thingName)
	return &iot.DeleteThingOutput{}, nil
}

// DescribeEndpoint implements API
func (l *Local) DescribeEndpoint(ctx context.Context, params *iot.DescribeEndpointInput, optFns ...func(*iot.Options)) (*iot.DescribeEndpointOutput, error) {
	return &iot.DescribeEndpointOutput{EndpointAddress: aws.String(l.endpoint)}, nil
}
