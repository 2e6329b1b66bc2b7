// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package controlplane

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/relabs-tech/iotsetup/core/logger"
)

// API is the subset of the AWS IoT control plane used by the provisioning workflows.
// *iot.Client satisfies it, and so does Local.
type API interface {
	CreateThing(ctx context.Context, params *iot.CreateThingInput, optFns ...func(*iot.Options)) (*iot.CreateThingOutput, error)
	CreateKeysAndCertificate(ctx context.Context, params *iot.CreateKeysAndCertificateInput, optFns ...func(*iot.Options)) (*iot.CreateKeysAndCertificateOutput, error)
	AttachPolicy(ctx context.Context, params *iot.AttachPolicyInput, optFns ...func(*iot.Options)) (*iot.AttachPolicyOutput, error)
	AttachThingPrincipal(ctx context.Context, params *iot.AttachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.AttachThingPrincipalOutput, error)
	ListTargetsForPolicy(ctx context.Context, params *iot.ListTargetsForPolicyInput, optFns ...func(*iot.Options)) (*iot.ListTargetsForPolicyOutput, error)
	ListThingPrincipals(ctx context.Context, params *iot.ListThingPrincipalsInput, optFns ...func(*iot.Options)) (*iot.ListThingPrincipalsOutput, error)
	DetachThingPrincipal(ctx context.Context, params *iot.DetachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.DetachThingPrincipalOutput, error)
	UpdateCertificate(ctx context.Context, params *iot.UpdateCertificateInput, optFns ...func(*iot.Options)) (*iot.UpdateCertificateOutput, error)
	DeleteCertificate(ctx context.Context, params *iot.DeleteCertificateInput, optFns ...func(*iot.Options)) (*iot.DeleteCertificateOutput, error)
	DeleteThing(ctx context.Context, params *iot.DeleteThingInput, optFns ...func(*iot.Options)) (*iot.DeleteThingOutput, error)
	DescribeEndpoint(ctx context.Context, params *iot.DescribeEndpointInput, optFns ...func(*iot.Options)) (*iot.DescribeEndpointOutput, error)
}

var (
	_ API = (*iot.Client)(nil)
	_ API = (*Local)(nil)
)

// Configuration contains the configuration for the AWS IoT control plane client
type Configuration struct {
	// AWSRegion overrides the region from the shared AWS configuration if set
	AWSRegion string
	// AccessID and AccessKey are optional static credentials. If empty, the default
	// credential chain is used.
	AccessID  string
	AccessKey string
}

// New returns an AWS IoT client. The client is meant to be created once and shared for
// the lifetime of the process; every call on it is a single round trip.
func New(ctx context.Context, cpConfig Configuration) (*iot.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cpConfig.AWSRegion != "" {
		opts = append(opts, config.WithRegion(cpConfig.AWSRegion))
	}
	if cpConfig.AccessID != "" || cpConfig.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cpConfig.AccessID, cpConfig.AccessKey, "")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS configuration: %w", err)
	}
	logger.FromContext(ctx).Debugf("IoT control plane client for region %s", awsConfig.Region)
	return iot.NewFromConfig(awsConfig), nil
}

// CertificateIDFromARN extracts the certificate id from a certificate ARN, i.e. the part
// after the resource type: arn:aws:iot:eu-central-1:123456789012:cert/abc yields abc.
// Anything after a further slash is ignored.
func CertificateIDFromARN(arn string) (string, error) {
	_, rest, found := strings.Cut(arn, "/")
	id, _, _ := strings.Cut(rest, "/")
	if !found || id == "" {
		return "", fmt.Errorf("%q is not a certificate ARN", arn)
	}
	return id, nil
}

// ListPolicyTargets returns all principals the policy is attached to, following
// pagination markers until the list is complete.
func ListPolicyTargets(ctx context.Context, api API, policyName string) ([]string, error) {
	var (
		targets []string
		marker  *string
	)
	for {
		resp, err := api.ListTargetsForPolicy(ctx, &iot.ListTargetsForPolicyInput{
			PolicyName: aws.String(policyName),
			Marker:     marker,
		})
		if err != nil {
			return nil, err
		}
		targets = append(targets, resp.Targets...)
		if resp.NextMarker == nil || *resp.NextMarker == "" {
			break
		}
		marker = resp.NextMarker
	}
	return targets, nil
}

// ListThingPrincipals returns all principals attached to the thing, following
// pagination tokens until the list is complete.
func ListThingPrincipals(ctx context.Context, api API, thingName string) ([]string, error) {
	var (
		principals []string
		nextToken  *string
	)
	for {
		resp, err := api.ListThingPrincipals(ctx, &iot.ListThingPrincipalsInput{
			ThingName: aws.String(thingName),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, err
		}
		principals = append(principals, resp.Principals...)
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		nextToken = resp.NextToken
	}
	return principals, nil
}

// DataEndpoint returns the account specific ATS endpoint devices connect to.
func DataEndpoint(ctx context.Context, api API) (string, error) {
	resp, err := api.DescribeEndpoint(ctx, &iot.DescribeEndpointInput{
		EndpointType: aws.String("iot:Data-ATS"),
	})
	if err != nil {
		return "", err
	}
	endpoint := aws.ToString(resp.EndpointAddress)
	if endpoint == "" {
		return "", fmt.Errorf("control plane returned an empty data endpoint")
	}
	return endpoint, nil
}
