package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/controlplane"
	"github.com/relabs-tech/iotsetup/iot/device"
	"github.com/relabs-tech/iotsetup/iot/mqtt"
	"github.com/relabs-tech/iotsetup/iot/policy"
	"github.com/relabs-tech/iotsetup/iot/provisioning"
	"github.com/relabs-tech/iotsetup/iot/rule"
	"github.com/relabs-tech/iotsetup/iot/secrets"
	"github.com/urfave/cli/v2"
)

// environment is what a command works with
type environment struct {
	service *Service
	api     controlplane.API
	// local is set with --local
	local  *controlplane.Local
	store  secrets.Store
	config provisioning.Configuration
}

func (s *Service) clientID() string {
	if len(s.ClientID) > 0 {
		return s.ClientID
	}
	return s.ThingName
}

func (s *Service) resources() policy.Resources {
	region := s.Region
	if len(region) == 0 {
		region = "local"
	}
	return policy.Resources{Region: region, Account: s.Account}
}

func newStore(ctx context.Context, service *Service) (secrets.Store, error) {
	return secrets.New(ctx, secrets.Configuration{
		DriverType:         secrets.DriverType(service.SecretsDriver),
		LocalConfiguration: &secrets.LocalConfiguration{BasePath: service.SecretsDir},
		S3Configuration: &secrets.S3Configuration{
			AWSBucketName: service.SecretsBucket,
			AWSRegion:     service.Region,
			KeyPrefix:     service.SecretsPrefix,
		},
	})
}

func newLocal(cCtx *cli.Context, service *Service) (*controlplane.Local, error) {
	r := service.resources()
	return controlplane.NewLocal(controlplane.LocalConfiguration{
		Region:     r.Region,
		Account:    r.Account,
		CACertFile: cCtx.String(flagCACert.Name),
		CAKeyFile:  cCtx.String(flagCAKey.Name),
		Policies:   []string{service.PolicyName},
		Endpoint:   "localhost",
	})
}

// stepPolicies applies --retries to every step which talks to the control plane, except
// detaching, which stays best-effort.
func stepPolicies(cCtx *cli.Context) map[provisioning.Step]provisioning.StepPolicy {
	policies := provisioning.DefaultPolicies()
	retries := cCtx.Int(flagRetries.Name)
	if retries <= 0 {
		return policies
	}
	retry := provisioning.StepPolicy{
		OnFailure: provisioning.Retry,
		Retries:   retries,
		Backoff:   cCtx.Duration(flagBackoff.Name),
	}
	for _, step := range []provisioning.Step{
		provisioning.StepCreateThing,
		provisioning.StepIssueCertificate,
		provisioning.StepAttachPolicy,
		provisioning.StepAttachPrincipal,
		provisioning.StepDeactivate,
		provisioning.StepDeleteCertificate,
		provisioning.StepDeleteThing,
	} {
		policies[step] = retry
	}
	return policies
}

func newEnvironment(cCtx *cli.Context, service *Service) (*environment, error) {
	ctx := cCtx.Context
	env := &environment{service: service}

	if cCtx.Bool(flagLocal.Name) {
		local, err := newLocal(cCtx, service)
		if err != nil {
			return nil, err
		}
		env.local = local
		env.api = local
	} else {
		client, err := controlplane.New(ctx, controlplane.Configuration{AWSRegion: service.Region})
		if err != nil {
			return nil, err
		}
		env.api = client
	}

	store, err := newStore(ctx, service)
	if err != nil {
		return nil, err
	}
	env.store = store

	env.config = provisioning.NewConfiguration(service.ThingName, service.PolicyName)
	env.config.Enumeration = provisioning.Enumeration(cCtx.String(flagEnumerate.Name))
	if len(env.config.Enumeration) == 0 {
		env.config.Enumeration = provisioning.PolicyTargets
	}
	env.config.Parallelism = cCtx.Int(flagParallel.Name)
	env.config.Policies = stepPolicies(cCtx)
	if err := env.config.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printReport(w io.Writer, report *provisioning.Report) {
	for _, t := range report.Targets {
		status := "removed"
		if t.Err != nil {
			status = "failed: " + t.Err.Error()
		}
		fmt.Fprintf(w, "certificate %s %s\n", t.CertificateID, status)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "warning: %v\n", warning)
	}
	if report.ThingDeleted {
		fmt.Fprintf(w, "thing %s deleted\n", report.ThingName)
	} else {
		fmt.Fprintf(w, "thing %s not deleted\n", report.ThingName)
	}
}

// withDuration limits ctx by --duration
func withDuration(cCtx *cli.Context) (context.Context, context.CancelFunc) {
	if d := cCtx.Duration(flagDuration.Name); d > 0 {
		return context.WithTimeout(cCtx.Context, d)
	}
	return context.WithCancel(cCtx.Context)
}

func provisionAction(cCtx *cli.Context, service *Service) error {
	ctx, _ := logger.ContextWithLoggerIdentity(cCtx.Context, service.ThingName)
	env, err := newEnvironment(cCtx, service)
	if err != nil {
		return cli.Exit(err, 1)
	}
	d, err := provisioning.Provision(ctx, env.api, env.store, env.config)
	if err != nil {
		return cli.Exit(err, 1)
	}
	return writeJSON(cCtx.App.Writer, d)
}

func deprovision(ctx context.Context, w io.Writer, env *environment) error {
	report, err := provisioning.Deprovision(ctx, env.api, env.config)
	if report != nil {
		printReport(w, report)
	}
	if err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}

func deprovisionAction(cCtx *cli.Context, service *Service) error {
	ctx, _ := logger.ContextWithLoggerIdentity(cCtx.Context, service.ThingName)
	env, err := newEnvironment(cCtx, service)
	if err != nil {
		return cli.Exit(err, 1)
	}
	return deprovision(ctx, cCtx.App.Writer, env)
}

func (s *Service) deviceOptions(cCtx *cli.Context, endpoint string, port int) device.Options {
	return device.Options{
		Endpoint: endpoint,
		Port:     port,
		ClientID: s.clientID(),
		KeyFile:  secrets.KeyFileName(s.ThingName),
		CertFile: secrets.CertFileName(s.ThingName),
		CAFile:   s.CAFile,
		SubTopic: s.SubTopic,
		PubTopic: s.PubTopic,
		Interval: cCtx.Duration(flagInterval.Name),
	}
}

func connect(ctx context.Context, store secrets.Store, o device.Options) error {
	session, err := device.Connect(ctx, store, o)
	if err != nil {
		return err
	}
	return session.Run(ctx)
}

func connectAction(cCtx *cli.Context, service *Service) error {
	ctx, cancel := withDuration(cCtx)
	defer cancel()
	ctx, _ = logger.ContextWithLoggerIdentity(ctx, service.ThingName)

	store, err := newStore(ctx, service)
	if err != nil {
		return cli.Exit(err, 1)
	}
	endpoint := service.Endpoint
	if len(endpoint) == 0 {
		api, err := controlplane.New(ctx, controlplane.Configuration{AWSRegion: service.Region})
		if err != nil {
			return cli.Exit(err, 1)
		}
		if endpoint, err = controlplane.DataEndpoint(ctx, api); err != nil {
			return cli.Exit(err, 1)
		}
	}
	if err := connect(ctx, store, service.deviceOptions(cCtx, endpoint, service.Port)); err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}

// newLocalBroker returns a broker for devices of the local certificate authority. With a
// registry only active certificates are accepted.
func newLocalBroker(cCtx *cli.Context, service *Service, local *controlplane.Local, registry mqtt.Registry, hosts []string) (*mqtt.Broker, error) {
	serverCert, err := local.ServerCertificate(hosts...)
	if err != nil {
		return nil, err
	}
	r := service.resources()
	return mqtt.NewBroker(&mqtt.Builder{
		Address:     cCtx.String(flagListen.Name),
		Certificate: &serverCert,
		CACertPEM:   local.CACertificatePEM(),
		Policy:      policy.DeviceDocument(r, service.SubTopic, service.PubTopic),
		Resources:   r,
		Registry:    registry,
		Rules:       []mqtt.Rule{{Topic: service.PubTopic, Action: rule.LocalInvoker()}},
	})
}

func runAction(cCtx *cli.Context, service *Service) error {
	ctx, cancel := withDuration(cCtx)
	defer cancel()
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, service.ThingName)

	env, err := newEnvironment(cCtx, service)
	if err != nil {
		return cli.Exit(err, 1)
	}

	endpoint, port := service.Endpoint, service.Port
	o := service.deviceOptions(cCtx, endpoint, port)
	if env.local != nil {
		broker, err := newLocalBroker(cCtx, service, env.local, env.local, []string{"localhost", "127.0.0.1"})
		if err != nil {
			return cli.Exit(err, 1)
		}
		broker.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			broker.Stop(stopCtx)
		}()
		host, p, err := net.SplitHostPort(broker.Addr().String())
		if err != nil {
			return cli.Exit(err, 1)
		}
		if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
			host = "localhost"
		}
		o.Endpoint = host
		o.Port, _ = strconv.Atoi(p)
		o.CAFile = ""
		o.RootCAPEM = env.local.CACertificatePEM()
	} else if len(endpoint) == 0 {
		if o.Endpoint, err = controlplane.DataEndpoint(ctx, env.api); err != nil {
			return cli.Exit(err, 1)
		}
	}

	if _, err := provisioning.Provision(ctx, env.api, env.store, env.config); err != nil {
		return cli.Exit(err, 1)
	}

	runErr := connect(ctx, env.store, o)
	if runErr != nil {
		rlog.WithError(runErr).Error("device stopped")
	}

	if cCtx.Bool(flagCleanup.Name) {
		// the run context is done by now
		cleanupCtx, _ := logger.ContextWithLoggerIdentity(context.Background(), service.ThingName)
		if err := deprovision(cleanupCtx, cCtx.App.Writer, env); err != nil {
			return err
		}
	}
	if runErr != nil {
		return cli.Exit(runErr, 1)
	}
	return nil
}

func policyAction(cCtx *cli.Context, service *Service) error {
	data, err := policy.DeviceDocument(service.resources(), service.SubTopic, service.PubTopic).JSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cCtx.App.Writer, string(data))
	return err
}

func brokerAction(cCtx *cli.Context, service *Service) error {
	if len(cCtx.String(flagCACert.Name)) == 0 || len(cCtx.String(flagCAKey.Name)) == 0 {
		return cli.Exit("the broker needs --ca-cert and --ca-key of the local certificate authority", 1)
	}
	local, err := newLocal(cCtx, service)
	if err != nil {
		return cli.Exit(err, 1)
	}
	// certificates are issued by other processes, there is no registry to check them against
	broker, err := newLocalBroker(cCtx, service, local, nil, cCtx.StringSlice(flagHosts.Name))
	if err != nil {
		return cli.Exit(err, 1)
	}
	broker.Run(cCtx.Context)
	return nil
}

func caAction(cCtx *cli.Context) error {
	certPEM, keyPEM, err := controlplane.GenerateCA("iotsetup local CA")
	if err != nil {
		return cli.Exit(err, 1)
	}
	store := secrets.NewFilesystem(cCtx.String(flagOut.Name))
	if err := store.Save(cCtx.Context, "ca.pem", certPEM); err != nil {
		return cli.Exit(err, 1)
	}
	if err := store.Save(cCtx.Context, "ca.key", keyPEM); err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Fprintf(cCtx.App.Writer, "wrote %s and %s\n", store.Path("ca.pem"), store.Path("ca.key"))
	return nil
}
