// Package secrets stores the private key and certificate of a device.
package secrets

import (
	"context"
	"fmt"
)

// Store persists device secrets. Save must not return before the data is durable: the
// private key of a device certificate is handed out exactly once by the control plane.
type Store interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

// DriverType represents the different type of secret stores
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the secret store
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the secret store
const DriverTypeAWSS3 DriverType = "AWSS3"

// Configuration contains the configuration for the secret store
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem secret store
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the S3 secret store
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	// KeyPrefix is prepended to every object key
	KeyPrefix string
	// AccessID and AccessKey are optional static credentials
	AccessID  string
	AccessKey string
}

// New returns the store for the configured driver. An empty driver type means Local.
func New(ctx context.Context, config Configuration) (Store, error) {
	switch config.DriverType {
	case DriverTypeLocal, "":
		basePath := "."
		if config.LocalConfiguration != nil && config.LocalConfiguration.BasePath != "" {
			basePath = config.LocalConfiguration.BasePath
		}
		return NewFilesystem(basePath), nil
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("expecting a configuration for the S3 secret store, but got nothing")
		}
		return NewS3(ctx, *config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown secret store driver type %q", config.DriverType)
}

// KeyFileName returns the name of the private key file for a thing
func KeyFileName(thingName string) string {
	return thingName + ".private.key"
}

// CertFileName returns the name of the certificate file for a thing
func CertFileName(thingName string) string {
	return thingName + ".cert.pem"
}
