package poller

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtrefilov-piterbyte/deucalion/internal/config"
)

// fakeEC2 serves scripted DescribeInstances pages keyed by NextToken.
type fakeEC2 struct {
	pages   []*ec2.DescribeInstancesOutput
	inputs  []*ec2.DescribeInstancesInput
	callErr error
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput,
	_ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {

	f.inputs = append(f.inputs, in)
	if f.callErr != nil {
		return nil, f.callErr
	}
	page := 0
	if in.NextToken != nil {
		page = len(f.inputs) - 1
	}
	if page >= len(f.pages) {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return f.pages[page], nil
}

func instance(id, instType string, tags ...types.Tag) types.Instance {
	return types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: types.InstanceType(instType),
		Tags:         tags,
	}
}

func TestEC2Refresher_MapsInstancesAcrossPages(t *testing.T) {
	fake := &fakeEC2{
		pages: []*ec2.DescribeInstancesOutput{
			{
				Reservations: []types.Reservation{
					{Instances: []types.Instance{instance("i-1", "t3.micro")}},
					{Instances: []types.Instance{instance("i-2", "m5.large")}},
				},
				NextToken: aws.String("page-2"),
			},
			{
				Reservations: []types.Reservation{
					{Instances: []types.Instance{instance("i-3", "c6g.xlarge")}},
				},
			},
		},
	}
	r := newEC2Refresher(fake, config.AWSConfig{DescribeChunkSize: 100})

	fleet, err := r.Refresh(context.Background())
	require.NoError(t, err)

	require.Len(t, fleet, 3)
	assert.Equal(t, "t3.micro", fleet["i-1"].Type)
	assert.Equal(t, "m5.large", fleet["i-2"].Type)
	assert.Equal(t, "c6g.xlarge", fleet["i-3"].Type)

	// The running-state filter and chunk size ride on every request.
	first := fake.inputs[0]
	require.Len(t, first.Filters, 1)
	assert.Equal(t, "instance-state-code", aws.ToString(first.Filters[0].Name))
	assert.Equal(t, []string{"16"}, first.Filters[0].Values)
	assert.Equal(t, int32(100), aws.ToInt32(first.MaxResults))
}

func TestEC2Refresher_DefaultsPlatformAndLifecycle(t *testing.T) {
	fake := &fakeEC2{
		pages: []*ec2.DescribeInstancesOutput{
			{Reservations: []types.Reservation{
				{Instances: []types.Instance{instance("i-1", "t3.micro")}},
			}},
		},
	}
	r := newEC2Refresher(fake, config.AWSConfig{})

	fleet, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "linux", fleet["i-1"].Platform)
	assert.Equal(t, "ondemand", fleet["i-1"].Lifecycle)
}

func TestEC2Refresher_ExposeTagsMatchedCaseInsensitively(t *testing.T) {
	fake := &fakeEC2{
		pages: []*ec2.DescribeInstancesOutput{
			{Reservations: []types.Reservation{
				{Instances: []types.Instance{
					instance("i-1", "t3.micro",
						types.Tag{Key: aws.String("name"), Value: aws.String("web-1")},
						types.Tag{Key: aws.String("Team"), Value: aws.String("infra")},
					),
				}},
			}},
		},
	}
	r := newEC2Refresher(fake, config.AWSConfig{ExposeTags: []string{"Name", "team", "env"}})

	fleet, err := r.Refresh(context.Background())
	require.NoError(t, err)

	tags := fleet["i-1"].Tags
	assert.Equal(t, "web-1", tags["Name"])
	assert.Equal(t, "infra", tags["team"])
	_, ok := tags["env"]
	assert.False(t, ok, "absent tags are omitted, not empty")
}

func TestEC2Refresher_PageFailureFailsCycle(t *testing.T) {
	fake := &fakeEC2{callErr: assert.AnError}
	r := newEC2Refresher(fake, config.AWSConfig{})

	_, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestEC2Refresher_ValidateAcceptsDryRunSuccess(t *testing.T) {
	fake := &fakeEC2{callErr: &smithy.GenericAPIError{Code: "DryRunOperation", Message: "would have succeeded"}}
	r := newEC2Refresher(fake, config.AWSConfig{})

	require.NoError(t, r.validate(context.Background()))
	require.Len(t, fake.inputs, 1)
	assert.True(t, aws.ToBool(fake.inputs[0].DryRun))
}

func TestEC2Refresher_ValidateMapsAuthErrors(t *testing.T) {
	for _, tc := range []struct {
		code string
		want error
	}{
		{"UnauthorizedOperation", ErrInsufficientPermissions},
		{"AuthFailure", ErrInvalidCredentials},
		{"InternalError", ErrUnknown},
	} {
		fake := &fakeEC2{callErr: &smithy.GenericAPIError{Code: tc.code}}
		r := newEC2Refresher(fake, config.AWSConfig{})

		err := r.validate(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want)
	}
}

func TestEC2Refresher_ValidateMapsTransportErrors(t *testing.T) {
	fake := &fakeEC2{callErr: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
	r := newEC2Refresher(fake, config.AWSConfig{})

	err := r.validate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)

	fake = &fakeEC2{callErr: errors.New("stream closed mid-body")}
	r = newEC2Refresher(fake, config.AWSConfig{})

	err = r.validate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknown)
}
