package main

import (
	"errors"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joeshaw/envdecode"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/rule"
)

// Service holds the configuration for this service
type Service struct {
	LogLevel string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))

	lambda.Start(rule.Handler)
}
