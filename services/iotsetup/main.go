// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/provisioning"
	"github.com/urfave/cli/v2"
)

// Service holds the configuration for this service
//
// AWS credentials are taken from the default credential chain.
type Service struct {
	Region        string `env:"AWS_REGION" description:"the region of the IoT control plane"`
	Account       string `env:"IOT_ACCOUNT_ID,default=000000000000" description:"the AWS account, used to render the policy document"`
	ThingName     string `env:"IOT_THING_NAME,default=MyIoTThing" description:"the name of the thing"`
	PolicyName    string `env:"IOT_POLICY_NAME,default=MyIoTPolicy" description:"the name of the pre-existing IoT policy"`
	SubTopic      string `env:"IOT_SUB_TOPIC,default=devices/MyIoTThing/sub" description:"the topic the device subscribes to"`
	PubTopic      string `env:"IOT_PUB_TOPIC,default=devices/MyIoTThing/pub" description:"the topic the device publishes to"`
	Endpoint      string `env:"IOT_ENDPOINT" description:"the data endpoint, discovered from the control plane if empty"`
	Port          int    `env:"IOT_PORT,default=8883" description:"the MQTT port of the data endpoint"`
	ClientID      string `env:"IOT_CLIENT_ID" description:"the MQTT client ID, defaults to the thing name"`
	SecretsDriver string `env:"IOT_SECRETS_DRIVER,default=Local" description:"where private key and certificate are stored, Local or AWSS3"`
	SecretsDir    string `env:"IOT_SECRETS_DIR,default=." description:"the folder for the Local secrets driver"`
	SecretsBucket string `env:"IOT_SECRETS_BUCKET" description:"the bucket for the AWSS3 secrets driver"`
	SecretsPrefix string `env:"IOT_SECRETS_PREFIX" description:"the key prefix for the AWSS3 secrets driver"`
	CAFile        string `env:"IOT_CA_FILE" description:"the root CA of the data endpoint, system roots if empty"`
	LogLevel      string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

var flagLocal *cli.BoolFlag = &cli.BoolFlag{
	Name:  "local",
	Usage: "Use an in-memory control plane and a local broker instead of AWS IoT. State lives only as long as the process",
}
var flagCACert *cli.StringFlag = &cli.StringFlag{
	Name:  "ca-cert",
	Usage: "PEM file of the local certificate authority, see command ca",
}
var flagCAKey *cli.StringFlag = &cli.StringFlag{
	Name:  "ca-key",
	Usage: "PEM file of the private key of the local certificate authority",
}
var flagParallel *cli.IntFlag = &cli.IntFlag{
	Name:  "parallel",
	Value: 1,
	Usage: "Number of certificates removed concurrently",
}
var flagEnumerate *cli.StringFlag = &cli.StringFlag{
	Name:  "enumerate",
	Value: string(provisioning.PolicyTargets),
	Usage: "How to find the certificates to remove: policy-targets or thing-principals",
}
var flagRetries *cli.IntFlag = &cli.IntFlag{
	Name:  "retries",
	Usage: "Retry failed control plane calls this many times",
}
var flagBackoff *cli.DurationFlag = &cli.DurationFlag{
	Name:  "backoff",
	Value: time.Second,
	Usage: "Pause between retries",
}
var flagInterval *cli.DurationFlag = &cli.DurationFlag{
	Name:  "interval",
	Value: 5 * time.Second,
	Usage: "Publish interval of the device",
}
var flagDuration *cli.DurationFlag = &cli.DurationFlag{
	Name:  "duration",
	Usage: "Stop after this duration. 0 runs until interrupted",
}
var flagCleanup *cli.BoolFlag = &cli.BoolFlag{
	Name:  "cleanup",
	Usage: "Deprovision the device when the run ends",
}
var flagListen *cli.StringFlag = &cli.StringFlag{
	Name:  "listen",
	Value: ":8883",
	Usage: "Listen address of the local broker",
}
var flagHosts *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:  "host",
	Value: cli.NewStringSlice("localhost", "127.0.0.1"),
	Usage: "Host names and addresses in the server certificate of the local broker",
}
var flagOut *cli.StringFlag = &cli.StringFlag{
	Name:  "out",
	Value: ".",
	Usage: "Output folder",
}

func newApp(service *Service) *cli.App {
	deprovisionFlags := []cli.Flag{flagLocal, flagCACert, flagCAKey, flagParallel, flagEnumerate, flagRetries, flagBackoff}
	return &cli.App{
		Name:  "iotsetup",
		Usage: "provision, connect and deprovision an AWS IoT device",
		Before: func(cCtx *cli.Context) error {
			logger.InitLogger(logger.ParseLevel(service.LogLevel))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "provision",
				Usage:  "Create the thing, issue a certificate, store the secrets and attach the policy",
				Flags:  []cli.Flag{flagLocal, flagCACert, flagCAKey, flagRetries, flagBackoff},
				Action: func(cCtx *cli.Context) error { return provisionAction(cCtx, service) },
			},
			{
				Name:   "deprovision",
				Usage:  "Detach, deactivate and delete the certificates, then delete the thing",
				Flags:  deprovisionFlags,
				Action: func(cCtx *cli.Context) error { return deprovisionAction(cCtx, service) },
			},
			{
				Name:   "connect",
				Usage:  "Connect as the device with the stored secrets, subscribe and publish",
				Flags:  []cli.Flag{flagInterval, flagDuration},
				Action: func(cCtx *cli.Context) error { return connectAction(cCtx, service) },
			},
			{
				Name:   "run",
				Usage:  "Provision the device, then connect",
				Flags:  append([]cli.Flag{flagInterval, flagDuration, flagCleanup, flagListen}, deprovisionFlags...),
				Action: func(cCtx *cli.Context) error { return runAction(cCtx, service) },
			},
			{
				Name:   "policy",
				Usage:  "Print the policy document of the device",
				Action: func(cCtx *cli.Context) error { return policyAction(cCtx, service) },
			},
			{
				Name:   "broker",
				Usage:  "Run a local MQTT broker for devices with certificates of the local CA",
				Flags:  []cli.Flag{flagCACert, flagCAKey, flagListen, flagHosts},
				Action: func(cCtx *cli.Context) error { return brokerAction(cCtx, service) },
			},
			{
				Name:   "ca",
				Usage:  "Generate a local certificate authority as ca.pem and ca.key",
				Flags:  []cli.Flag{flagOut},
				Action: func(cCtx *cli.Context) error { return caAction(cCtx) },
			},
		},
	}
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(service).RunContext(ctx, os.Args); err != nil {
		logger.Default().Fatal(err)
	}
}
