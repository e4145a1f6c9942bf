package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"cloudguardian/internal/aws"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/loader"
	"cloudguardian/internal/mocks"
)

// targetAccount is where the fixture is provisioned; it differs from the
// fixture's own account so every rewritten identifier is visible
const targetAccount = "999999999999"

func targetARN(resource string) string {
	return fmt.Sprintf("arn:aws:iam::%s:%s", targetAccount, resource)
}

// provisioningMocks returns mocks whose create calls answer in targetAccount
func provisioningMocks() (*mocks.MockIAMClient, *mocks.MockS3Client) {
	iamClient := &mocks.MockIAMClient{
		CreatePolicyFunc: func(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
			return &iam.CreatePolicyOutput{Policy: &iamtypes.Policy{Arn: awssdk.String(targetARN("policy/" + *params.PolicyName))}}, nil
		},
		CreateGroupFunc: func(ctx context.Context, params *iam.CreateGroupInput, optFns ...func(*iam.Options)) (*iam.CreateGroupOutput, error) {
			return &iam.CreateGroupOutput{Group: &iamtypes.Group{Arn: awssdk.String(targetARN("group/" + *params.GroupName))}}, nil
		},
		CreateUserFunc: func(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
			return &iam.CreateUserOutput{User: &iamtypes.User{Arn: awssdk.String(targetARN("user/" + *params.UserName))}}, nil
		},
	}
	return iamClient, &mocks.MockS3Client{}
}

func fixtureDocuments(t *testing.T) *domain.PolicyDocuments {
	t.Helper()
	docs, err := loader.LoadDir(filepath.Join("..", "loader", "testdata", "alice"))
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	return docs
}

// =============================================================================
// Provision
// =============================================================================

func TestProvisionCreatesFixture(t *testing.T) {
	iamClient, s3Client := provisioningMocks()

	var trust string
	iamClient.CreateRoleFunc = func(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
		trust = *params.AssumeRolePolicyDocument
		return &iam.CreateRoleOutput{Role: &iamtypes.Role{Arn: awssdk.String(targetARN("role/" + *params.RoleName))}}, nil
	}
	var attached []string
	iamClient.AttachUserPolicyFunc = func(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
		attached = append(attached, *params.UserName+" "+*params.PolicyArn)
		return &iam.AttachUserPolicyOutput{}, nil
	}
	iamClient.AttachRolePolicyFunc = func(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
		attached = append(attached, *params.RoleName+" "+*params.PolicyArn)
		return &iam.AttachRolePolicyOutput{}, nil
	}

	docs := fixtureDocuments(t)
	adapter := aws.NewAdapter(iamClient, &mocks.MockSTSClient{}, s3Client, "us-east-1")
	arns, err := Provision(context.Background(), adapter, docs)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	calls := map[string]int{
		"CreatePolicy":      3,
		"CreateGroup":       1,
		"AttachGroupPolicy": 1,
		"CreateUser":        2,
		"AttachUserPolicy":  1,
		"AddUserToGroup":    1,
		"CreateRole":        1,
		"AttachRolePolicy":  1,
	}
	for op, want := range calls {
		if got := iamClient.CallCount(op); got != want {
			t.Errorf("%s calls = %d, want %d", op, got, want)
		}
	}
	if s3Client.CallCount("CreateBucket") != 1 || s3Client.CallCount("PutBucketPolicy") != 1 {
		t.Errorf("bucket calls = %d create, %d policy", s3Client.CallCount("CreateBucket"), s3Client.CallCount("PutBucketPolicy"))
	}

	if arns.Len() != 8 {
		t.Errorf("mapped %d identifiers, want 8: %v", arns.Len(), arns.Originals())
	}
	if got, _ := arns.Created(alice); got != targetARN("user/Alice") {
		t.Errorf("Created(Alice) = %q", got)
	}
	if got, _ := arns.Original(targetARN("role/Deployer")); got != "arn:aws:iam::123456789012:role/Deployer" {
		t.Errorf("Original(Deployer) = %q", got)
	}

	wantAttached := []string{
		"Alice " + targetARN("policy/IAMOperator"),
		"Deployer " + targetARN("policy/DeployerAccess"),
	}
	if !reflect.DeepEqual(attached, wantAttached) {
		t.Errorf("attachments = %v, want %v", attached, wantAttached)
	}

	var trustDoc domain.PolicyDocument
	if err := json.Unmarshal([]byte(trust), &trustDoc); err != nil {
		t.Fatalf("trust policy is not JSON: %v", err)
	}
	if refs := trustDoc.Statement[0].Principals(); len(refs) != 1 || refs[0].ID != targetARN("user/Alice") {
		t.Errorf("trust principals = %+v, want the provisioned Alice", refs)
	}

	var bucketDoc domain.PolicyDocument
	if err := json.Unmarshal([]byte(s3Client.BucketPolicies["example-bucket"]), &bucketDoc); err != nil {
		t.Fatalf("bucket policy is not JSON: %v", err)
	}
	if refs := bucketDoc.Statement[0].Principals(); len(refs) != 1 || refs[0].ID != targetARN("user/Bob") {
		t.Errorf("bucket policy principals = %+v, want the provisioned Bob", refs)
	}

	if refs := docs.Roles[0].AssumeRolePolicyDocument.Statement[0].Principals(); refs[0].ID != alice {
		t.Error("provisioning must not rewrite the input documents")
	}
}

func TestProvisionStopsAtFirstFailure(t *testing.T) {
	iamClient, s3Client := provisioningMocks()
	iamClient.CreateGroupFunc = func(ctx context.Context, params *iam.CreateGroupInput, optFns ...func(*iam.Options)) (*iam.CreateGroupOutput, error) {
		return nil, mocks.NewAPIError("AccessDenied", "not authorized to create groups")
	}

	adapter := aws.NewAdapter(iamClient, &mocks.MockSTSClient{}, s3Client, "us-east-1")
	arns, err := Provision(context.Background(), adapter, fixtureDocuments(t))

	var adapterErr *domain.AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Operation != "iam:CreateGroup" || adapterErr.Code != "AccessDenied" {
		t.Fatalf("Provision() error = %v, want AdapterError{iam:CreateGroup AccessDenied}", err)
	}
	if arns.Len() != 3 {
		t.Errorf("mapped %d identifiers, want the 3 policies created first", arns.Len())
	}
	if iamClient.CallCount("CreateUser") != 0 || s3Client.CallCount("CreateBucket") != 0 {
		t.Error("nothing after the failure may be provisioned")
	}
}

func TestProvisionSkipsNonBucketResources(t *testing.T) {
	iamClient, s3Client := provisioningMocks()
	docs := &domain.PolicyDocuments{
		ResourcePolicies: []domain.ResourcePolicy{
			{
				ResourceName: "signing-key",
				ResourceArn:  "arn:aws:kms:us-east-1:123456789012:key/1234abcd",
				PolicyDocument: domain.PolicyDocument{
					Statement: []domain.Statement{{Effect: "Allow", Principal: "*", Action: "kms:Decrypt"}},
				},
			},
			{ResourceName: "logs", ResourceArn: "arn:aws:s3:::logs"},
		},
	}

	adapter := aws.NewAdapter(iamClient, &mocks.MockSTSClient{}, s3Client, "us-east-1")
	arns, err := Provision(context.Background(), adapter, docs)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if s3Client.CallCount("CreateBucket") != 1 {
		t.Errorf("CreateBucket calls = %d, want 1", s3Client.CallCount("CreateBucket"))
	}
	if s3Client.CallCount("PutBucketPolicy") != 0 {
		t.Error("a bucket without statements gets no policy")
	}
	if got, _ := arns.Created("arn:aws:s3:::logs"); got != "arn:aws:s3:::logs" {
		t.Errorf("Created(logs) = %q", got)
	}
}

// =============================================================================
// ARNMap
// =============================================================================

func TestARNMapJSON(t *testing.T) {
	m := NewARNMap()
	m.Add("arn:aws:iam::123456789012:user/Alice", targetARN("user/Alice"))

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"arn:aws:iam::123456789012:user/Alice":"arn:aws:iam::999999999999:user/Alice"}`
	if string(raw) != want {
		t.Errorf("JSON = %s, want %s", raw, want)
	}
	if got := m.translate("arn:aws:iam::aws:policy/ReadOnlyAccess"); got != "arn:aws:iam::aws:policy/ReadOnlyAccess" {
		t.Errorf("unmapped identifiers must pass through, got %q", got)
	}
}
