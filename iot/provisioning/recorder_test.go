package provisioning_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/relabs-tech/iotsetup/iot/controlplane"
)

// failure makes a call fail. remaining is the number of failing calls, negative means always.
type failure struct {
	err       error
	remaining int
}

// recorder implements controlplane.API. It records every call as a string like
// "DetachThingPrincipal MyIoTThing arn:aws:iot:eu-central-1:123456789012:cert/abc" and
// delegates to inner. Without inner, every call succeeds with a scripted output.
type recorder struct {
	inner controlplane.API

	// scripted outputs if inner is nil
	targets []string
	cert    *iot.CreateKeysAndCertificateOutput

	mu       sync.Mutex
	calls    []string
	failures map[string]*failure
}

func newRecorder(inner controlplane.API) *recorder {
	return &recorder{inner: inner, failures: map[string]*failure{}}
}

// failOn makes calls fail which match key, either a full call string or an operation name
func (r *recorder) failOn(key string, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[key] = &failure{err: fmt.Errorf("injected failure of %s", key), remaining: times}
}

func (r *recorder) record(op string, args ...string) error {
	call := strings.Join(append([]string{op}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	for _, key := range []string{call, op} {
		if f, ok := r.failures[key]; ok && f.remaining != 0 {
			f.remaining--
			return f.err
		}
	}
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

// CallsWith returns the calls which contain s
func (r *recorder) CallsWith(s string) []string {
	var res []string
	for _, c := range r.Calls() {
		if strings.Contains(c, s) {
			res = append(res, c)
		}
	}
	return res
}

func (r *recorder) CreateThing(ctx context.Context, params *iot.CreateThingInput, optFns ...func(*iot.Options)) (*iot.CreateThingOutput, error) {
	if err := r.record("CreateThing", aws.ToString(params.ThingName)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.CreateThing(ctx, params, optFns...)
	}
	return &iot.CreateThingOutput{
		ThingName: params.ThingName,
		ThingArn:  aws.String("arn:aws:iot:eu-central-1:123456789012:thing/" + aws.ToString(params.ThingName)),
		ThingId:   aws.String("b7a1e3f2"),
	}, nil
}

func (r *recorder) CreateKeysAndCertificate(ctx context.Context, params *iot.CreateKeysAndCertificateInput, optFns ...func(*iot.Options)) (*iot.CreateKeysAndCertificateOutput, error) {
	if err := r.record("CreateKeysAndCertificate", fmt.Sprint(params.SetAsActive)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.CreateKeysAndCertificate(ctx, params, optFns...)
	}
	return r.cert, nil
}

func (r *recorder) AttachPolicy(ctx context.Context, params *iot.AttachPolicyInput, optFns ...func(*iot.Options)) (*iot.AttachPolicyOutput, error) {
	if err := r.record("AttachPolicy", aws.ToString(params.PolicyName), aws.ToString(params.Target)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.AttachPolicy(ctx, params, optFns...)
	}
	return &iot.AttachPolicyOutput{}, nil
}

func (r *recorder) AttachThingPrincipal(ctx context.Context, params *iot.AttachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.AttachThingPrincipalOutput, error) {
	if err := r.record("AttachThingPrincipal", aws.ToString(params.ThingName), aws.ToString(params.Principal)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.AttachThingPrincipal(ctx, params, optFns...)
	}
	return &iot.AttachThingPrincipalOutput{}, nil
}

func (r *recorder) ListTargetsForPolicy(ctx context.Context, params *iot.ListTargetsForPolicyInput, optFns ...func(*iot.Options)) (*iot.ListTargetsForPolicyOutput, error) {
	if err := r.record("ListTargetsForPolicy", aws.ToString(params.PolicyName)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.ListTargetsForPolicy(ctx, params, optFns...)
	}
	return &iot.ListTargetsForPolicyOutput{Targets: r.targets}, nil
}

func (r *recorder) ListThingPrincipals(ctx context.Context, params *iot.ListThingPrincipalsInput, optFns ...func(*iot.Options)) (*iot.ListThingPrincipalsOutput, error) {
	if err := r.record("ListThingPrincipals", aws.ToString(params.ThingName)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.ListThingPrincipals(ctx, params, optFns...)
	}
	return &iot.ListThingPrincipalsOutput{Principals: r.targets}, nil
}

func (r *recorder) DetachThingPrincipal(ctx context.Context, params *iot.DetachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.DetachThingPrincipalOutput, error) {
	if err := r.record("DetachThingPrincipal", aws.ToString(params.ThingName), aws.ToString(params.Principal)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.DetachThingPrincipal(ctx, params, optFns...)
	}
	return &iot.DetachThingPrincipalOutput{}, nil
}

func (r *recorder) UpdateCertificate(ctx context.Context, params *iot.UpdateCertificateInput, optFns ...func(*iot.Options)) (*iot.UpdateCertificateOutput, error) {
	if err := r.record("UpdateCertificate", aws.ToString(params.CertificateId), string(params.NewStatus)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.UpdateCertificate(ctx, params, optFns...)
	}
	return &iot.UpdateCertificateOutput{}, nil
}

func (r *recorder) DeleteCertificate(ctx context.Context, params *iot.DeleteCertificateInput, optFns ...func(*iot.Options)) (*iot.DeleteCertificateOutput, error) {
	if err := r.record("DeleteCertificate", aws.ToString(params.CertificateId), fmt.Sprint(params.ForceDelete)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.DeleteCertificate(ctx, params, optFns...)
	}
	return &iot.DeleteCertificateOutput{}, nil
}

func (r *recorder) DeleteThing(ctx context.Context, params *iot.DeleteThingInput, optFns ...func(*iot.Options)) (*iot.DeleteThingOutput, error) {
	if err := r.record("DeleteThing", aws.ToString(params.ThingName)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.DeleteThing(ctx, params, optFns...)
	}
	return &iot.DeleteThingOutput{}, nil
}

func (r *recorder) DescribeEndpoint(ctx context.Context, params *iot.DescribeEndpointInput, optFns ...func(*iot.Options)) (*iot.DescribeEndpointOutput, error) {
	if err := r.record("DescribeEndpoint", aws.ToString(params.EndpointType)); err != nil {
		return nil, err
	}
	if r.inner != nil {
		return r.inner.DescribeEndpoint(ctx, params, optFns...)
	}
	return &iot.DescribeEndpointOutput{EndpointAddress: aws.String("localhost")}, nil
}
