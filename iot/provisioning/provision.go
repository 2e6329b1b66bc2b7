package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/controlplane"
	"github.com/relabs-tech/iotsetup/iot/secrets"
)

// Device describes a provisioned device identity
type Device struct {
	ThingName      string `json:"thingName"`
	ThingARN       string `json:"thingArn"`
	ThingID        string `json:"thingId"`
	CertificateARN string `json:"certificateArn"`
	CertificateID  string `json:"certificateId"`
	// KeyFile and CertFile are the names of the persisted secrets in the store
	KeyFile  string `json:"keyFile"`
	CertFile string `json:"certFile"`
}

// Provision creates the thing, issues an active certificate, persists private key and
// certificate to the store, attaches the policy to the certificate and binds the
// certificate to the thing. The steps run strictly in this order.
//
// If persisting the secrets or attaching the policy fails the new certificate is deactivated
// and deleted again, since it is not yet a target of the policy and no later deprovisioning
// would find it.
func Provision(ctx context.Context, api controlplane.API, store secrets.Store, cfg Configuration) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, cfg.ThingName)

	var thing *iot.CreateThingOutput
	err := cfg.run(ctx, StepCreateThing, cfg.ThingName, func() (err error) {
		thing, err = api.CreateThing(ctx, &iot.CreateThingInput{ThingName: aws.String(cfg.ThingName)})
		return err
	})
	if err != nil {
		rlog.WithError(err).Error("cannot create thing")
		return nil, err
	}
	rlog.Infof("created thing %s", aws.ToString(thing.ThingArn))

	var cert *iot.CreateKeysAndCertificateOutput
	err = cfg.run(ctx, StepIssueCertificate, cfg.ThingName, func() (err error) {
		cert, err = api.CreateKeysAndCertificate(ctx, &iot.CreateKeysAndCertificateInput{SetAsActive: true})
		if err == nil && (cert.KeyPair == nil || cert.KeyPair.PrivateKey == nil || cert.CertificatePem == nil || cert.CertificateArn == nil) {
			err = fmt.Errorf("incomplete key pair and certificate")
		}
		return err
	})
	if err != nil {
		rlog.WithError(err).Error("cannot create keys and certificate")
		return nil, err
	}

	device := &Device{
		ThingName:      cfg.ThingName,
		ThingARN:       aws.ToString(thing.ThingArn),
		ThingID:        aws.ToString(thing.ThingId),
		CertificateARN: aws.ToString(cert.CertificateArn),
		CertificateID:  aws.ToString(cert.CertificateId),
		KeyFile:        secrets.KeyFileName(cfg.ThingName),
		CertFile:       secrets.CertFileName(cfg.ThingName),
	}
	if device.CertificateID == "" {
		if device.CertificateID, err = controlplane.CertificateIDFromARN(device.CertificateARN); err != nil {
			// without an id the certificate cannot be deactivated
			rlog.WithError(err).Errorf("cannot remove certificate %s, delete it manually", device.CertificateARN)
			return nil, &StepError{Step: StepIssueCertificate, Target: device.CertificateARN, Err: err}
		}
	}
	rlog.Infof("created certificate %s", device.CertificateARN)

	// the private key is returned only this once
	for _, secret := range []struct {
		name string
		data string
	}{
		{device.KeyFile, aws.ToString(cert.KeyPair.PrivateKey)},
		{device.CertFile, aws.ToString(cert.CertificatePem)},
	} {
		err = cfg.run(ctx, StepPersistSecret, secret.name, func() error {
			return store.Save(ctx, secret.name, []byte(secret.data))
		})
		if err != nil {
			rlog.WithError(err).Errorf("cannot store %s, removing certificate %s", secret.name, device.CertificateID)
			return nil, errors.Join(err, rollbackCertificate(ctx, api, device.CertificateID))
		}
	}

	err = cfg.run(ctx, StepAttachPolicy, device.CertificateARN, func() error {
		_, err := api.AttachPolicy(ctx, &iot.AttachPolicyInput{
			PolicyName: aws.String(cfg.PolicyName),
			Target:     aws.String(device.CertificateARN),
		})
		return err
	})
	if err != nil {
		rlog.WithError(err).Errorf("cannot attach policy %s, removing certificate %s", cfg.PolicyName, device.CertificateID)
		return nil, errors.Join(err, rollbackCertificate(ctx, api, device.CertificateID))
	}

	err = cfg.run(ctx, StepAttachPrincipal, device.CertificateARN, func() error {
		_, err := api.AttachThingPrincipal(ctx, &iot.AttachThingPrincipalInput{
			ThingName: aws.String(cfg.ThingName),
			Principal: aws.String(device.CertificateARN),
		})
		return err
	})
	if err != nil {
		rlog.WithError(err).Error("cannot attach certificate to thing")
		return nil, err
	}

	rlog.Infof("provisioned %s with certificate %s", cfg.ThingName, device.CertificateID)
	return device, nil
}

// rollbackCertificate deactivates and deletes a certificate which is not a policy target yet
func rollbackCertificate(ctx context.Context, api controlplane.API, certificateID string) error {
	_, err := api.UpdateCertificate(ctx, &iot.UpdateCertificateInput{
		CertificateId: aws.String(certificateID),
		NewStatus:     types.CertificateStatusInactive,
	})
	if err != nil {
		return &StepError{Step: StepDeactivate, Target: certificateID, Err: err}
	}
	_, err = api.DeleteCertificate(ctx, &iot.DeleteCertificateInput{
		CertificateId: aws.String(certificateID),
		ForceDelete:   true,
	})
	if err != nil {
		return &StepError{Step: StepDeleteCertificate, Target: certificateID, Err: err}
	}
	return nil
}
