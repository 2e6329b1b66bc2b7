package provisioning_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/relabs-tech/iotsetup/iot/controlplane"
	"github.com/relabs-tech/iotsetup/iot/provisioning"
	"github.com/relabs-tech/iotsetup/iot/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const otherARN = "arn:aws:iot:eu-central-1:123456789012:cert/def"

func TestDeprovision_SingleTarget(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN}

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ListTargetsForPolicy MyIoTPolicy",
		"DetachThingPrincipal MyIoTThing " + certARN,
		"UpdateCertificate abc INACTIVE",
		"DeleteCertificate abc true",
		"DeleteThing MyIoTThing",
	}, rec.Calls())

	assert.True(t, report.ThingDeleted)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, []provisioning.TargetReport{
		{ARN: certARN, CertificateID: "abc", Detached: true, Deactivated: true, Deleted: true},
	}, report.Targets)
}

func TestDeprovision_DetachFailureIsBestEffort(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN, otherARN}
	rec.failOn("DetachThingPrincipal MyIoTThing "+certARN, -1)

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	require.NoError(t, err)

	assert.Equal(t, []string{"DeleteCertificate abc true"}, rec.CallsWith("DeleteCertificate abc"))
	assert.Equal(t, []string{"DeleteCertificate def true"}, rec.CallsWith("DeleteCertificate def"))
	calls := rec.Calls()
	assert.Equal(t, "DeleteThing MyIoTThing", calls[len(calls)-1])

	require.Len(t, report.Warnings, 1)
	var stepErr *provisioning.StepError
	require.True(t, errors.As(report.Warnings[0], &stepErr))
	assert.Equal(t, provisioning.StepDetachPrincipal, stepErr.Step)
	assert.False(t, report.Targets[0].Detached)
	assert.True(t, report.Targets[0].Deleted)
	assert.True(t, report.Targets[1].Detached)
	assert.True(t, report.ThingDeleted)
}

func TestDeprovision_NoTargets(t *testing.T) {
	rec := newRecorder(nil)

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ListTargetsForPolicy MyIoTPolicy",
		"DeleteThing MyIoTThing",
	}, rec.Calls())
	assert.Empty(t, report.Targets)
	assert.True(t, report.ThingDeleted)
}

func TestDeprovision_ListFailureIsFatal(t *testing.T) {
	rec := newRecorder(nil)
	rec.failOn("ListTargetsForPolicy", -1)

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	require.Error(t, err)
	require.NotNil(t, report)
	assert.False(t, report.ThingDeleted)
	assert.Equal(t, []string{"ListTargetsForPolicy MyIoTPolicy"}, rec.Calls())
}

func TestDeprovision_DeactivateFailureKeepsThing(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN, otherARN}
	rec.failOn("UpdateCertificate abc INACTIVE", -1)

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	require.Error(t, err)

	var stepErr *provisioning.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, provisioning.StepDeactivate, stepErr.Step)
	assert.Equal(t, "abc", stepErr.Target)

	assert.Empty(t, rec.CallsWith("DeleteCertificate abc"))
	assert.Len(t, rec.CallsWith("DeleteCertificate def"), 1)
	assert.Empty(t, rec.CallsWith("DeleteThing"))
	assert.False(t, report.ThingDeleted)
	assert.Error(t, report.Targets[0].Err)
	assert.False(t, report.Targets[0].Deleted)
	assert.NoError(t, report.Targets[1].Err)
	assert.True(t, report.Targets[1].Deleted)
}

func TestDeprovision_DeleteCertificateFailureStillDeletesThing(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN, otherARN}
	rec.failOn("DeleteCertificate abc true", -1)

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	var stepErr *provisioning.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, provisioning.StepDeleteCertificate, stepErr.Step)

	calls := rec.Calls()
	assert.Equal(t, "DeleteThing MyIoTThing", calls[len(calls)-1])
	assert.True(t, report.ThingDeleted)
	assert.False(t, report.Targets[0].Deleted)
	assert.True(t, report.Targets[1].Deleted)
}

func TestDeprovision_DeleteThingFailureIsSurfaced(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN}
	rec.failOn("DeleteThing", -1)

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	var stepErr *provisioning.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, provisioning.StepDeleteThing, stepErr.Step)
	assert.False(t, report.ThingDeleted)
	assert.Len(t, rec.CallsWith("DeleteThing"), 1)
}

func TestDeprovision_DeleteThingLogAndContinue(t *testing.T) {
	rec := newRecorder(nil)
	rec.failOn("DeleteThing", -1)

	cfg := provisioning.NewConfiguration(thingName, policyName)
	cfg.Policies[provisioning.StepDeleteThing] = provisioning.StepPolicy{OnFailure: provisioning.LogAndContinue}
	report, err := provisioning.Deprovision(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Len(t, report.Warnings, 1)
	assert.False(t, report.ThingDeleted)
}

func TestDeprovision_DetachAbort(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN}
	rec.failOn("DetachThingPrincipal", -1)

	cfg := provisioning.NewConfiguration(thingName, policyName)
	cfg.Policies[provisioning.StepDetachPrincipal] = provisioning.StepPolicy{OnFailure: provisioning.Abort}
	report, err := provisioning.Deprovision(context.Background(), rec, cfg)
	require.Error(t, err)
	assert.Empty(t, rec.CallsWith("UpdateCertificate"))
	assert.Empty(t, rec.CallsWith("DeleteThing"))
	assert.False(t, report.ThingDeleted)
}

func TestDeprovision_RetryDelete(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{certARN}
	rec.failOn("DeleteCertificate", 2)

	cfg := provisioning.NewConfiguration(thingName, policyName)
	cfg.Policies[provisioning.StepDeleteCertificate] = provisioning.StepPolicy{OnFailure: provisioning.Retry, Retries: 2}
	report, err := provisioning.Deprovision(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Len(t, rec.CallsWith("DeleteCertificate"), 3)
	assert.True(t, report.Targets[0].Deleted)
}

func TestDeprovision_MalformedTarget(t *testing.T) {
	rec := newRecorder(nil)
	rec.targets = []string{"eu-central-1:7f4c5b2e-cognito-identity", certARN}

	report, err := provisioning.Deprovision(context.Background(), rec, provisioning.NewConfiguration(thingName, policyName))
	require.Error(t, err)
	assert.Error(t, report.Targets[0].Err)
	assert.True(t, report.Targets[1].Deleted)
	assert.Empty(t, rec.CallsWith("DeleteThing"))
	assert.False(t, report.ThingDeleted)
}

func TestDeprovision_ParallelKeepsOrderPerCertificate(t *testing.T) {
	rec := newRecorder(nil)
	for i := 0; i < 16; i++ {
		rec.targets = append(rec.targets, fmt.Sprintf("arn:aws:iot:eu-central-1:123456789012:cert/c%02d", i))
	}
	rec.failOn("DetachThingPrincipal MyIoTThing arn:aws:iot:eu-central-1:123456789012:cert/c03", -1)
	rec.failOn("UpdateCertificate c07 INACTIVE", -1)

	cfg := provisioning.NewConfiguration(thingName, policyName)
	cfg.Parallelism = 4
	report, err := provisioning.Deprovision(context.Background(), rec, cfg)
	require.Error(t, err)

	for i, arn := range rec.targets {
		id := fmt.Sprintf("c%02d", i)
		assert.Equal(t, arn, report.Targets[i].ARN)
		var calls []string
		for _, c := range rec.Calls() {
			if strings.HasSuffix(c, "/"+id) || strings.Contains(c, " "+id+" ") {
				calls = append(calls, c)
			}
		}
		if i == 7 {
			assert.Equal(t, []string{
				"DetachThingPrincipal MyIoTThing " + arn,
				"UpdateCertificate c07 INACTIVE",
			}, calls)
			continue
		}
		assert.Equal(t, []string{
			"DetachThingPrincipal MyIoTThing " + arn,
			"UpdateCertificate " + id + " INACTIVE",
			"DeleteCertificate " + id + " true",
		}, calls, id)
	}
	assert.Len(t, report.Warnings, 1)

	// c07 was never deleted
	assert.Empty(t, rec.CallsWith("DeleteThing"))
	assert.False(t, report.ThingDeleted)
}

// Two devices sharing one policy: enumerating policy targets removes the certificate of
// the other device as well, enumerating thing principals does not.
func TestDeprovision_SharedPolicy(t *testing.T) {
	for _, tc := range []struct {
		enumeration      provisioning.Enumeration
		otherCertRemains bool
	}{
		{provisioning.PolicyTargets, false},
		{provisioning.ThingPrincipals, true},
	} {
		t.Run(string(tc.enumeration), func(t *testing.T) {
			ctx := context.Background()
			l := newLocal(t)
			store := secrets.NewFilesystem(t.TempDir())

			_, err := provisioning.Provision(ctx, l, store, provisioning.NewConfiguration(thingName, policyName))
			require.NoError(t, err)
			other, err := provisioning.Provision(ctx, l, store, provisioning.NewConfiguration("OtherThing", policyName))
			require.NoError(t, err)

			cfg := provisioning.NewConfiguration(thingName, policyName)
			cfg.Enumeration = tc.enumeration
			report, err := provisioning.Deprovision(ctx, l, cfg)
			require.NoError(t, err)
			assert.True(t, report.ThingDeleted)
			assert.False(t, l.HasThing(thingName))

			_, exists := l.CertificateStatus(other.CertificateID)
			assert.Equal(t, tc.otherCertRemains, exists)
		})
	}
}

func TestProvisionDeprovision_Local(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	rec := newRecorder(l)
	store := secrets.NewFilesystem(t.TempDir())
	cfg := provisioning.NewConfiguration(thingName, policyName)

	var ids []string
	for i := 0; i < 3; i++ {
		device, err := provisioning.Provision(ctx, rec, store, cfg)
		require.NoError(t, err)
		ids = append(ids, device.CertificateID)
	}

	cfg.Parallelism = 2
	report, err := provisioning.Deprovision(ctx, rec, cfg)
	require.NoError(t, err)
	assert.Len(t, report.Targets, 3)
	assert.Empty(t, report.Warnings)
	assert.False(t, l.HasThing(thingName))
	for _, id := range ids {
		_, exists := l.CertificateStatus(id)
		assert.False(t, exists, id)
	}

	targets, err := controlplane.ListPolicyTargets(ctx, l, policyName)
	require.NoError(t, err)
	assert.Empty(t, targets)

	// every certificate delete happens before the thing is deleted
	calls := rec.Calls()
	thingDeleted := -1
	lastCertDelete := -1
	for i, c := range calls {
		if strings.HasPrefix(c, "DeleteThing") {
			thingDeleted = i
		}
		if strings.HasPrefix(c, "DeleteCertificate") {
			lastCertDelete = i
		}
	}
	assert.Greater(t, thingDeleted, lastCertDelete)
}
