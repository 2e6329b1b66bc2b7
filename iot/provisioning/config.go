package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/iotsetup/core/logger"
)

// Step identifies a single control plane or storage operation of a workflow
type Step string

// Provisioning steps, in execution order
const (
	StepCreateThing       Step = "create-thing"
	StepIssueCertificate  Step = "issue-certificate"
	StepPersistSecret     Step = "persist-secret"
	StepAttachPolicy      Step = "attach-policy"
	StepAttachPrincipal   Step = "attach-principal"
	StepListTargets       Step = "list-targets"
	StepDetachPrincipal   Step = "detach-principal"
	StepDeactivate        Step = "deactivate-certificate"
	StepDeleteCertificate Step = "delete-certificate"
	StepDeleteThing       Step = "delete-thing"
)

// FailureAction says what a workflow does when a step fails
type FailureAction int

const (
	// Abort stops the workflow. During deprovisioning a failed per-certificate step only
	// stops the sub-sequence of that certificate; the remaining certificates and the
	// deletion of the thing are still processed, and the run fails.
	Abort FailureAction = iota
	// LogAndContinue logs the failure as a warning and continues with the next step
	LogAndContinue
	// Retry repeats the step up to StepPolicy.Retries times, then acts like Abort
	Retry
)

func (a FailureAction) String() string {
	switch a {
	case Abort:
		return "abort"
	case LogAndContinue:
		return "log-and-continue"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("FailureAction(%d)", int(a))
}

// StepPolicy is the failure handling for one step
type StepPolicy struct {
	OnFailure FailureAction
	// Retries is the number of additional attempts for Retry
	Retries int
	// Backoff is the pause between attempts for Retry
	Backoff time.Duration
}

// Enumeration selects how deprovisioning finds the certificates to remove
type Enumeration string

const (
	// PolicyTargets enumerates all targets of the policy. This assumes that every certificate
	// the policy is attached to belongs to the thing being removed, which only holds when
	// each device has its own policy.
	PolicyTargets Enumeration = "policy-targets"
	// ThingPrincipals enumerates the principals attached to the thing. Certificates that
	// were issued but never bound to the thing are not found.
	ThingPrincipals Enumeration = "thing-principals"
)

// Configuration is the configuration of one device identity for the provisioning and
// deprovisioning workflows.
type Configuration struct {
	// ThingName is the name of the device identity. This is mandatory.
	ThingName string
	// PolicyName is the name of the pre-existing policy granted to the certificate. This is mandatory.
	PolicyName string
	// Enumeration defaults to PolicyTargets
	Enumeration Enumeration
	// Parallelism is the number of certificates deprovisioned concurrently. Values below 2
	// process certificates one by one.
	Parallelism int
	// Policies overrides the failure handling of individual steps. Steps without an entry
	// use DefaultPolicies.
	Policies map[Step]StepPolicy
}

// DefaultPolicies returns the default failure handling. Detaching a certificate from the
// thing is best-effort because deleting the certificate with forceDelete removes any
// remaining attachment. Everything else aborts.
func DefaultPolicies() map[Step]StepPolicy {
	return map[Step]StepPolicy{
		StepDetachPrincipal: {OnFailure: LogAndContinue},
	}
}

// NewConfiguration returns a configuration with default enumeration and failure handling
func NewConfiguration(thingName, policyName string) Configuration {
	return Configuration{
		ThingName:   thingName,
		PolicyName:  policyName,
		Enumeration: PolicyTargets,
		Parallelism: 1,
		Policies:    DefaultPolicies(),
	}
}

// steps that may be skipped without breaking the data dependencies of later steps
var continuable = map[Step]bool{
	StepDetachPrincipal:   true,
	StepDeactivate:        true,
	StepDeleteCertificate: true,
	StepDeleteThing:       true,
}

// Validate checks the configuration
func (c *Configuration) Validate() error {
	if c.ThingName == "" {
		return fmt.Errorf("thing name is missing")
	}
	if c.PolicyName == "" {
		return fmt.Errorf("policy name is missing")
	}
	switch c.Enumeration {
	case "", PolicyTargets, ThingPrincipals:
	default:
		return fmt.Errorf("unknown enumeration %q", c.Enumeration)
	}
	for step, p := range c.Policies {
		if p.OnFailure == LogAndContinue && !continuable[step] {
			return fmt.Errorf("step %s cannot continue after a failure", step)
		}
		if p.Retries < 0 || p.Backoff < 0 {
			return fmt.Errorf("invalid retry settings for step %s", step)
		}
	}
	return nil
}

func (c *Configuration) policyFor(step Step) StepPolicy {
	if p, ok := c.Policies[step]; ok {
		return p
	}
	if p, ok := DefaultPolicies()[step]; ok {
		return p
	}
	return StepPolicy{OnFailure: Abort}
}

// StepError is the error of a failed step
type StepError struct {
	Step Step
	// Target is the resource the step operated on, for example a certificate ARN
	Target string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.Target, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// run executes fn according to the policy of step. It returns a *StepError if the step
// finally failed; the caller decides whether that is fatal.
func (c *Configuration) run(ctx context.Context, step Step, target string, fn func() error) error {
	p := c.policyFor(step)
	attempts := 1
	if p.OnFailure == Retry {
		attempts += p.Retries
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		logger.FromContext(ctx).WithError(err).Warnf("%s %s failed, attempt %d of %d", step, target, attempt, attempts)
		select {
		case <-ctx.Done():
			return &StepError{Step: step, Target: target, Err: ctx.Err()}
		case <-time.After(p.Backoff):
		}
	}
	return &StepError{Step: step, Target: target, Err: err}
}
