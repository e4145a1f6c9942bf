package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/logging"
)

// Provider error codes treated as idempotent success
const (
	CodeEntityAlreadyExists     = "EntityAlreadyExists"
	CodeBucketAlreadyOwnedByYou = "BucketAlreadyOwnedByYou"
)

// Adapter performs the real-world mutations behind simulated actions. Every
// failure is returned as a *domain.AdapterError carrying the provider's error
// code. Retries are left to the SDK retryer configured in GetAWSClient.
type Adapter struct {
	iam    IAMProvisioner
	sts    STSAssumeRole
	s3     S3Provisioner
	region string
}

// NewAdapter builds an adapter over the given clients. region is used as the
// bucket location constraint; empty means us-east-1.
func NewAdapter(iamClient IAMProvisioner, stsClient STSAssumeRole, s3Client S3Provisioner, region string) *Adapter {
	return &Adapter{iam: iamClient, sts: stsClient, s3: s3Client, region: region}
}

// NewAdapterFromEnvironment builds an adapter over the cached default clients
func NewAdapterFromEnvironment(ctx context.Context) (*Adapter, error) {
	clients := make(map[string]interface{}, 3)
	for _, service := range []string{"iam", "sts", "s3"} {
		client, err := GetAWSClient(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s client: %w", service, err)
		}
		clients[service] = client
	}
	region, err := GetRegion(ctx)
	if err != nil {
		return nil, err
	}
	return NewAdapter(clients["iam"].(*iam.Client), clients["sts"].(*sts.Client), clients["s3"].(*s3.Client), region), nil
}

// ErrorCode extracts the provider error code from err, or "" when err did not
// come from an AWS API
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// call runs one API request and records it. The returned error is already
// normalized to *domain.AdapterError.
func call(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	logging.GetMetrics().RecordAPICall(operation, err == nil, err)
	logging.LogAPICall(operation, err == nil, time.Since(start), err)
	if err != nil {
		return &domain.AdapterError{Operation: operation, Code: ErrorCode(err), Err: err}
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var adapterErr *domain.AdapterError
	return errors.As(err, &adapterErr) && adapterErr.Code == code
}

// CreateUser creates an IAM user and returns its ARN. An existing user of the
// same name is returned as success.
func (a *Adapter) CreateUser(ctx context.Context, name string) (string, error) {
	var out *iam.CreateUserOutput
	err := call("iam:CreateUser", func() (err error) {
		out, err = a.iam.CreateUser(ctx, &iam.CreateUserInput{UserName: aws.String(name)})
		return err
	})
	if err == nil {
		return aws.ToString(out.User.Arn), nil
	}
	if !alreadyExists(err, CodeEntityAlreadyExists) {
		return "", err
	}

	logging.LogWarn("User already exists, reusing it", map[string]interface{}{"user_name": name})
	var existing *iam.GetUserOutput
	if err := call("iam:GetUser", func() (err error) {
		existing, err = a.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(name)})
		return err
	}); err != nil {
		return "", err
	}
	return aws.ToString(existing.User.Arn), nil
}

// CreateGroup creates an IAM group and returns its ARN. An existing group of
// the same name is returned as success.
func (a *Adapter) CreateGroup(ctx context.Context, name string) (string, error) {
	var out *iam.CreateGroupOutput
	err := call("iam:CreateGroup", func() (err error) {
		out, err = a.iam.CreateGroup(ctx, &iam.CreateGroupInput{GroupName: aws.String(name)})
		return err
	})
	if err == nil {
		return aws.ToString(out.Group.Arn), nil
	}
	if !alreadyExists(err, CodeEntityAlreadyExists) {
		return "", err
	}

	logging.LogWarn("Group already exists, reusing it", map[string]interface{}{"group_name": name})
	var existing *iam.GetGroupOutput
	if err := call("iam:GetGroup", func() (err error) {
		existing, err = a.iam.GetGroup(ctx, &iam.GetGroupInput{GroupName: aws.String(name)})
		return err
	}); err != nil {
		return "", err
	}
	return aws.ToString(existing.Group.Arn), nil
}

// CreateRole creates a role with the given trust policy and returns its ARN
func (a *Adapter) CreateRole(ctx context.Context, name, trustPolicy string) (string, error) {
	var out *iam.CreateRoleOutput
	if err := call("iam:CreateRole", func() (err error) {
		out, err = a.iam.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(name),
			AssumeRolePolicyDocument: aws.String(trustPolicy),
		})
		return err
	}); err != nil {
		return "", err
	}
	return aws.ToString(out.Role.Arn), nil
}

// CreatePolicy creates a customer managed policy and returns its ARN
func (a *Adapter) CreatePolicy(ctx context.Context, name, document string) (string, error) {
	var out *iam.CreatePolicyOutput
	if err := call("iam:CreatePolicy", func() (err error) {
		out, err = a.iam.CreatePolicy(ctx, &iam.CreatePolicyInput{
			PolicyName:     aws.String(name),
			PolicyDocument: aws.String(document),
		})
		return err
	}); err != nil {
		return "", err
	}
	return aws.ToString(out.Policy.Arn), nil
}

// AttachUserPolicy attaches a managed policy to a user
func (a *Adapter) AttachUserPolicy(ctx context.Context, userName, policyARN string) error {
	return call("iam:AttachUserPolicy", func() error {
		_, err := a.iam.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  aws.String(userName),
			PolicyArn: aws.String(policyARN),
		})
		return err
	})
}

// AttachGroupPolicy attaches a managed policy to a group
func (a *Adapter) AttachGroupPolicy(ctx context.Context, groupName, policyARN string) error {
	return call("iam:AttachGroupPolicy", func() error {
		_, err := a.iam.AttachGroupPolicy(ctx, &iam.AttachGroupPolicyInput{
			GroupName: aws.String(groupName),
			PolicyArn: aws.String(policyARN),
		})
		return err
	})
}

// AttachRolePolicy attaches a managed policy to a role
func (a *Adapter) AttachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	return call("iam:AttachRolePolicy", func() error {
		_, err := a.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(roleName),
			PolicyArn: aws.String(policyARN),
		})
		return err
	})
}

// AddUserToGroup adds a user to a group
func (a *Adapter) AddUserToGroup(ctx context.Context, userName, groupName string) error {
	return call("iam:AddUserToGroup", func() error {
		_, err := a.iam.AddUserToGroup(ctx, &iam.AddUserToGroupInput{
			UserName:  aws.String(userName),
			GroupName: aws.String(groupName),
		})
		return err
	})
}

// AssumeRole assumes a role and returns the assumed-role session ARN. The
// issued credentials are not kept.
func (a *Adapter) AssumeRole(ctx context.Context, roleARN, sessionName string) (string, error) {
	var out *sts.AssumeRoleOutput
	if err := call("sts:AssumeRole", func() (err error) {
		out, err = a.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
			RoleArn:         aws.String(roleARN),
			RoleSessionName: aws.String(sessionName),
		})
		return err
	}); err != nil {
		return "", err
	}
	if out.AssumedRoleUser == nil {
		return "", &domain.AdapterError{Operation: "sts:AssumeRole", Err: fmt.Errorf("no assumed role user in response")}
	}
	return aws.ToString(out.AssumedRoleUser.Arn), nil
}

// CreateBucket creates a bucket and returns its ARN. A bucket the caller
// already owns is returned as success; one owned by another account is not.
func (a *Adapter) CreateBucket(ctx context.Context, name string) (string, error) {
	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if a.region != "" && a.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(a.region),
		}
	}

	err := call("s3:CreateBucket", func() error {
		_, err := a.s3.CreateBucket(ctx, input)
		return err
	})
	if err != nil && !alreadyExists(err, CodeBucketAlreadyOwnedByYou) {
		return "", err
	}
	if err != nil {
		logging.LogWarn("Bucket already owned by caller, reusing it", map[string]interface{}{"bucket": name})
	}
	return fmt.Sprintf("arn:aws:s3:::%s", name), nil
}

// PutBucketPolicy replaces the bucket's policy with document
func (a *Adapter) PutBucketPolicy(ctx context.Context, bucket, document string) error {
	return call("s3:PutBucketPolicy", func() error {
		_, err := a.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(bucket),
			Policy: aws.String(document),
		})
		return err
	})
}
