// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/versusmen/matchfleet/lib/cloud"
)

const tagKeyFleetID = "matchfleet-fleet-id"

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2InstanceSet)

type ec2InstanceSetConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	EndpointURL     string
}

// ec2Client is the subset of the aws-sdk-go-v2 EC2 API the driver
// uses. Tests substitute a stub.
type ec2Client interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type ec2InstanceSet struct {
	conf    ec2InstanceSetConfig
	fleetID cloud.FleetID
	logger  logrus.FieldLogger
	client  ec2Client
}

func newEC2InstanceSet(confJSON json.RawMessage, fleetID cloud.FleetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	instanceSet := &ec2InstanceSet{
		fleetID: fleetID,
		logger:  logger,
	}
	err := json.Unmarshal(confJSON, &instanceSet.conf)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(instanceSet.conf.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			instanceSet.conf.AccessKeyID, instanceSet.conf.SecretAccessKey, "")))
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}
	instanceSet.client = ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if instanceSet.conf.EndpointURL != "" {
			o.BaseEndpoint = aws.String(instanceSet.conf.EndpointURL)
		}
	})
	return instanceSet, nil
}

func (is *ec2InstanceSet) Create(ctx context.Context, tmpl cloud.VMTemplate, name string) (cloud.InstanceID, error) {
	ec2tags := []types.Tag{
		{
			Key:   aws.String(tagKeyFleetID),
			Value: aws.String(string(is.fleetID)),
		},
		{
			Key:   aws.String("Name"),
			Value: aws.String(name),
		},
	}

	rii := &ec2.RunInstancesInput{
		ImageId:      aws.String(tmpl.ImageID),
		InstanceType: types.InstanceType(tmpl.InstanceType),
		MaxCount:     aws.Int32(1),
		MinCount:     aws.Int32(1),

		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   []string{tmpl.SecurityGroupID},
			SubnetId:                 aws.String(tmpl.SubnetID),
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2tags,
		}},
	}
	if tmpl.KeyPairName != "" {
		rii.KeyName = aws.String(tmpl.KeyPairName)
	}
	if tmpl.AvailabilityZone != "" {
		rii.Placement = &types.Placement{AvailabilityZone: aws.String(tmpl.AvailabilityZone)}
	}
	if tmpl.SpotPrice > 0 {
		rii.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
				MaxPrice:                     aws.String(strconv.FormatFloat(tmpl.SpotPrice, 'f', -1, 64)),
			},
		}
	}

	rsv, err := is.client.RunInstances(ctx, rii)
	if err != nil {
		return "", wrapError(err)
	}
	if len(rsv.Instances) == 0 {
		return "", fmt.Errorf("RunInstances returned no instances")
	}
	return cloud.InstanceID(aws.ToString(rsv.Instances[0].InstanceId)), nil
}

func (is *ec2InstanceSet) Instances(ctx context.Context) ([]cloud.Instance, error) {
	dii := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:" + tagKeyFleetID),
			Values: []string{string(is.fleetID)},
		}},
	}
	var instances []cloud.Instance
	for {
		dio, err := is.client.DescribeInstances(ctx, dii)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				instances = append(instances, normalize(inst))
			}
		}
		if dio.NextToken == nil || *dio.NextToken == "" {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (is *ec2InstanceSet) Terminate(ctx context.Context, ids []cloud.InstanceID) error {
	if len(ids) == 0 {
		return nil
	}
	awsIDs := make([]string, len(ids))
	for i, id := range ids {
		awsIDs[i] = string(id)
	}
	is.logger.WithField("InstanceIDs", awsIDs).Info("terminating instances")
	_, err := is.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: awsIDs,
	})
	if err != nil {
		return wrapError(err)
	}
	return nil
}

func (is *ec2InstanceSet) Stop() {
}

func normalize(inst types.Instance) cloud.Instance {
	out := cloud.Instance{
		ID:       cloud.InstanceID(aws.ToString(inst.InstanceId)),
		PublicIP: aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		out.State = cloud.InstanceState(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		out.LaunchedAt = *inst.LaunchTime
	}
	return out
}

type ec2Error struct {
	error
	transient bool
}

func (err ec2Error) IsTransient() bool {
	return err.transient
}

// wrapError classifies an EC2 API error as transient or permanent.
// Server faults, throttling, and anything that never reached the API
// (network trouble) count as transient.
func wrapError(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return ec2Error{error: err, transient: true}
	}
	switch {
	case ae.ErrorFault() == smithy.FaultServer:
		return ec2Error{error: err, transient: true}
	case isThrottle(ae.ErrorCode()):
		return ec2Error{error: err, transient: true}
	default:
		return ec2Error{error: err, transient: false}
	}
}

func isThrottle(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return true
	}
	return strings.Contains(code, "Throttl")
}
