package provisioning

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/relabs-tech/iotsetup/core/logger"
	"github.com/relabs-tech/iotsetup/iot/controlplane"
)

// TargetReport is the outcome of removing one certificate
type TargetReport struct {
	ARN           string
	CertificateID string
	Detached      bool
	Deactivated   bool
	Deleted       bool
	// Err is the error which stopped the removal of this certificate, or nil
	Err error
}

// Report is the outcome of a deprovisioning run
type Report struct {
	ThingName    string
	Targets      []TargetReport
	ThingDeleted bool
	// Warnings are failures of best-effort steps. They do not fail the run.
	Warnings []error
}

// Deprovision removes all certificates found by the configured enumeration and then the
// thing itself. Every certificate is detached from the thing, deactivated and deleted
// with forceDelete, in this order. The thing is deleted only after the deletion of every
// certificate has been attempted. If the removal of a certificate stopped before its
// deletion, the thing is kept and the run fails.
//
// The returned error is nil if the run succeeded, possibly with warnings. The report is
// returned in any case once the configuration is valid.
func Deprovision(ctx context.Context, api controlplane.API, cfg Configuration) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, cfg.ThingName)
	report := &Report{ThingName: cfg.ThingName}

	var arns []string
	err := cfg.run(ctx, StepListTargets, cfg.PolicyName, func() (err error) {
		if cfg.Enumeration == ThingPrincipals {
			arns, err = controlplane.ListThingPrincipals(ctx, api, cfg.ThingName)
		} else {
			arns, err = controlplane.ListPolicyTargets(ctx, api, cfg.PolicyName)
		}
		return err
	})
	if err != nil {
		rlog.WithError(err).Error("cannot enumerate certificates")
		return report, err
	}
	rlog.Infof("removing %d certificates", len(arns))

	var warningsMu sync.Mutex
	warn := func(err error) {
		warningsMu.Lock()
		defer warningsMu.Unlock()
		report.Warnings = append(report.Warnings, err)
	}

	report.Targets = make([]TargetReport, len(arns))
	deleteAttempted := make([]bool, len(arns))
	if cfg.Parallelism > 1 && len(arns) > 1 {
		sem := make(chan struct{}, cfg.Parallelism)
		var wg sync.WaitGroup
		for i, arn := range arns {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, arn string) {
				defer wg.Done()
				defer func() { <-sem }()
				report.Targets[i], deleteAttempted[i] = removeCertificate(ctx, api, &cfg, arn, warn)
			}(i, arn)
		}
		wg.Wait()
	} else {
		for i, arn := range arns {
			report.Targets[i], deleteAttempted[i] = removeCertificate(ctx, api, &cfg, arn, warn)
		}
	}

	var (
		errs      []error
		remaining int
	)
	for i, t := range report.Targets {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
		if !deleteAttempted[i] {
			remaining++
		}
	}
	if remaining > 0 {
		rlog.Errorf("keeping thing %s, %d certificates were not deleted", cfg.ThingName, remaining)
		return report, errors.Join(errs...)
	}

	err = cfg.run(ctx, StepDeleteThing, cfg.ThingName, func() error {
		_, err := api.DeleteThing(ctx, &iot.DeleteThingInput{ThingName: aws.String(cfg.ThingName)})
		return err
	})
	switch {
	case err == nil:
		report.ThingDeleted = true
		rlog.Infof("deleted thing %s", cfg.ThingName)
	case cfg.policyFor(StepDeleteThing).OnFailure == LogAndContinue:
		rlog.WithError(err).Warn("cannot delete thing")
		warn(err)
	default:
		rlog.WithError(err).Error("cannot delete thing")
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	rlog.Infof("deprovisioned %s, %d certificates removed, %d warnings", cfg.ThingName, len(arns), len(report.Warnings))
	return report, nil
}

// removeCertificate runs detach, deactivate and delete for one certificate. A failed step
// either ends the sequence for this certificate or, with LogAndContinue, adds a warning.
// The returned bool reports whether the deletion was attempted.
func removeCertificate(ctx context.Context, api controlplane.API, cfg *Configuration, arn string, warn func(error)) (TargetReport, bool) {
	rlog := logger.FromContext(ctx).WithField("certificate", arn)
	tr := TargetReport{ARN: arn}

	// handle reports whether the sequence goes on after step
	handle := func(step Step, err error) bool {
		if err == nil {
			return true
		}
		if cfg.policyFor(step).OnFailure == LogAndContinue {
			rlog.WithError(err).Warnf("%s failed, continuing", step)
			warn(err)
			return true
		}
		rlog.WithError(err).Errorf("%s failed", step)
		tr.Err = err
		return false
	}

	err := cfg.run(ctx, StepDetachPrincipal, arn, func() error {
		_, err := api.DetachThingPrincipal(ctx, &iot.DetachThingPrincipalInput{
			ThingName: aws.String(cfg.ThingName),
			Principal: aws.String(arn),
		})
		return err
	})
	tr.Detached = err == nil
	if !handle(StepDetachPrincipal, err) {
		return tr, false
	}

	id, err := controlplane.CertificateIDFromARN(arn)
	if err != nil {
		tr.Err = &StepError{Step: StepDeactivate, Target: arn, Err: err}
		rlog.WithError(err).Error("cannot remove certificate")
		return tr, false
	}
	tr.CertificateID = id

	err = cfg.run(ctx, StepDeactivate, id, func() error {
		_, err := api.UpdateCertificate(ctx, &iot.UpdateCertificateInput{
			CertificateId: aws.String(id),
			NewStatus:     types.CertificateStatusInactive,
		})
		return err
	})
	tr.Deactivated = err == nil
	if !handle(StepDeactivate, err) {
		return tr, false
	}

	err = cfg.run(ctx, StepDeleteCertificate, id, func() error {
		_, err := api.DeleteCertificate(ctx, &iot.DeleteCertificateInput{
			CertificateId: aws.String(id),
			ForceDelete:   true,
		})
		return err
	})
	tr.Deleted = err == nil
	if !handle(StepDeleteCertificate, err) {
		return tr, true
	}

	rlog.Info("certificate removed")
	return tr, true
}
