package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/dtrefilov-piterbyte/deucalion/internal/config"
	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

// Errors mapped from EC2 API failures during startup validation.
var (
	ErrInvalidCredentials      = errors.New("invalid AWS credentials")
	ErrInsufficientPermissions = errors.New("insufficient permissions for DescribeInstances")
	ErrNetwork                 = errors.New("EC2 API unreachable")
	ErrUnknown                 = errors.New("unexpected EC2 API failure")
)

// runningStateCode is the EC2 instance-state-code for "running".
const runningStateCode = "16"

// defaultRefreshTimeout bounds one DescribeInstances sweep. The poller
// relies on the refresher owning this bound.
const defaultRefreshTimeout = 30 * time.Second

// EC2Refresher enumerates running EC2 instances page by page and maps
// them into a fleet snapshot.
type EC2Refresher struct {
	client     ec2.DescribeInstancesAPIClient
	chunkSize  int32
	exposeTags []string
	timeout    time.Duration
}

// NewEC2Refresher builds the AWS-backed refresher. It validates
// credentials and DescribeInstances permission with a dry-run call so a
// misconfigured daemon fails at startup, not on its first poll.
func NewEC2Refresher(ctx context.Context, cfg config.AWSConfig) (*EC2Refresher, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	r := newEC2Refresher(ec2.NewFromConfig(awsCfg), cfg)
	if err := r.validate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func newEC2Refresher(client ec2.DescribeInstancesAPIClient, cfg config.AWSConfig) *EC2Refresher {
	return &EC2Refresher{
		client:     client,
		chunkSize:  cfg.DescribeChunkSize,
		exposeTags: cfg.ExposeTags,
		timeout:    defaultRefreshTimeout,
	}
}

// validate issues a DryRun DescribeInstances. The API answers a permitted
// dry run with the DryRunOperation error code.
func (r *EC2Refresher) validate(ctx context.Context) error {
	_, err := r.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		DryRun: aws.Bool(true),
	})
	if err == nil {
		return nil
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "DryRunOperation":
			return nil
		case "UnauthorizedOperation":
			return fmt.Errorf("%w: %s", ErrInsufficientPermissions, ae.ErrorMessage())
		case "AuthFailure":
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, ae.ErrorMessage())
		}
		return fmt.Errorf("%w: %s: %s", ErrUnknown, ae.ErrorCode(), ae.ErrorMessage())
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", ErrUnknown, err)
}

// Refresh sweeps every running instance and returns the replacement
// fleet. A page failure fails the whole cycle; the caller keeps the
// previous snapshot.
func (r *EC2Refresher) Refresh(ctx context.Context) (state.FleetData, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("instance-state-code"),
			Values: []string{runningStateCode},
		}},
	}
	if r.chunkSize > 0 {
		input.MaxResults = aws.Int32(r.chunkSize)
	}

	fleet := state.FleetData{}
	pager := ec2.NewDescribeInstancesPaginator(r.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				rec := r.record(inst)
				fleet[rec.ID] = rec
			}
		}
	}
	return fleet, nil
}

func (r *EC2Refresher) record(inst types.Instance) state.Instance {
	rec := state.Instance{
		ID:        aws.ToString(inst.InstanceId),
		Platform:  "linux",
		Type:      string(inst.InstanceType),
		Lifecycle: "ondemand",
	}
	if inst.Platform != "" {
		rec.Platform = string(inst.Platform)
	}
	if inst.InstanceLifecycle != "" {
		rec.Lifecycle = string(inst.InstanceLifecycle)
	}
	if len(r.exposeTags) > 0 {
		rec.Tags = make(map[string]string, len(r.exposeTags))
		for _, want := range r.exposeTags {
			for _, tag := range inst.Tags {
				if strings.EqualFold(aws.ToString(tag.Key), want) {
					rec.Tags[want] = aws.ToString(tag.Value)
					break
				}
			}
		}
	}
	return rec
}
