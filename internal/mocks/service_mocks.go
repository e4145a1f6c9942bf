package mocks

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
)

// =============================================================================
// STS Mock Implementation
// =============================================================================

// MockSTSClient is a mock implementation of the STS AssumeRole operation
type MockSTSClient struct {
	callCounter

	AssumeRoleFunc func(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)

	// LastAssumeRoleInput stores the last input for verification
	LastAssumeRoleInput *sts.AssumeRoleInput
}

// AssumeRole defaults to an assumed-role session for the requested role
func (m *MockSTSClient) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	m.record("AssumeRole")
	m.LastAssumeRoleInput = params
	if m.AssumeRoleFunc != nil {
		return m.AssumeRoleFunc(ctx, params, optFns...)
	}
	return &sts.AssumeRoleOutput{
		AssumedRoleUser: &ststypes.AssumedRoleUser{
			Arn:           aws.String(AssumedRoleARN(aws.ToString(params.RoleArn), aws.ToString(params.RoleSessionName))),
			AssumedRoleId: aws.String("AROATEST:" + aws.ToString(params.RoleSessionName)),
		},
	}, nil
}

// =============================================================================
// S3 Mock Implementation
// =============================================================================

// MockS3Client is a mock implementation of the S3 operations used for bucket
// creation and bucket policy collection
type MockS3Client struct {
	callCounter

	CreateBucketFunc    func(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketPolicyFunc func(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	ListBucketsFunc     func(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketPolicyFunc func(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)

	// LastCreateBucketInput stores the last input for verification
	LastCreateBucketInput *s3.CreateBucketInput
	// BucketPolicies stores every policy put, by bucket name
	BucketPolicies map[string]string
}

// CreateBucket defaults to success
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.record("CreateBucket")
	m.LastCreateBucketInput = params
	if m.CreateBucketFunc != nil {
		return m.CreateBucketFunc(ctx, params, optFns...)
	}
	return &s3.CreateBucketOutput{Location: aws.String("/" + aws.ToString(params.Bucket))}, nil
}

// PutBucketPolicy defaults to success and keeps the policy in BucketPolicies
func (m *MockS3Client) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	m.record("PutBucketPolicy")
	if m.PutBucketPolicyFunc != nil {
		return m.PutBucketPolicyFunc(ctx, params, optFns...)
	}
	if m.BucketPolicies == nil {
		m.BucketPolicies = make(map[string]string)
	}
	m.BucketPolicies[aws.ToString(params.Bucket)] = aws.ToString(params.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

// ListBuckets defaults to no buckets
func (m *MockS3Client) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	m.record("ListBuckets")
	if m.ListBucketsFunc != nil {
		return m.ListBucketsFunc(ctx, params, optFns...)
	}
	return &s3.ListBucketsOutput{}, nil
}

// GetBucketPolicy defaults to the NoSuchBucketPolicy error S3 returns for a
// bucket without a policy
func (m *MockS3Client) GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	m.record("GetBucketPolicy")
	if m.GetBucketPolicyFunc != nil {
		return m.GetBucketPolicyFunc(ctx, params, optFns...)
	}
	return nil, NewAPIError("NoSuchBucketPolicy", "The bucket policy does not exist")
}

// =============================================================================
// KMS Mock Implementation
// =============================================================================

// MockKMSClient is a mock implementation of the KMS key listing operations
type MockKMSClient struct {
	callCounter

	ListKeysFunc     func(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	GetKeyPolicyFunc func(ctx context.Context, params *kms.GetKeyPolicyInput, optFns ...func(*kms.Options)) (*kms.GetKeyPolicyOutput, error)
}

// ListKeys defaults to no keys
func (m *MockKMSClient) ListKeys(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error) {
	m.record("ListKeys")
	if m.ListKeysFunc != nil {
		return m.ListKeysFunc(ctx, params, optFns...)
	}
	return &kms.ListKeysOutput{}, nil
}

// GetKeyPolicy defaults to a restrictive policy trusting only the account root
func (m *MockKMSClient) GetKeyPolicy(ctx context.Context, params *kms.GetKeyPolicyInput, optFns ...func(*kms.Options)) (*kms.GetKeyPolicyOutput, error) {
	m.record("GetKeyPolicy")
	if m.GetKeyPolicyFunc != nil {
		return m.GetKeyPolicyFunc(ctx, params, optFns...)
	}
	policy := NewPolicyBuilder().
		AllowPrincipal("arn:aws:iam::"+TestAccountID+":root", []string{"kms:*"}, "*").
		Build()
	return &kms.GetKeyPolicyOutput{Policy: aws.String(policy)}, nil
}

// =============================================================================
// Lambda Mock Implementation
// =============================================================================

// MockLambdaClient is a mock implementation of the Lambda listing operations
type MockLambdaClient struct {
	callCounter

	ListFunctionsFunc func(ctx context.Context, params *lambdasvc.ListFunctionsInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.ListFunctionsOutput, error)
	GetPolicyFunc     func(ctx context.Context, params *lambdasvc.GetPolicyInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.GetPolicyOutput, error)
}

// ListFunctions defaults to no functions
func (m *MockLambdaClient) ListFunctions(ctx context.Context, params *lambdasvc.ListFunctionsInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.ListFunctionsOutput, error) {
	m.record("ListFunctions")
	if m.ListFunctionsFunc != nil {
		return m.ListFunctionsFunc(ctx, params, optFns...)
	}
	return &lambdasvc.ListFunctionsOutput{}, nil
}

// GetPolicy defaults to the ResourceNotFoundException Lambda returns for a
// function without a resource policy
func (m *MockLambdaClient) GetPolicy(ctx context.Context, params *lambdasvc.GetPolicyInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.GetPolicyOutput, error) {
	m.record("GetPolicy")
	if m.GetPolicyFunc != nil {
		return m.GetPolicyFunc(ctx, params, optFns...)
	}
	return nil, NewAPIError("ResourceNotFoundException", "The resource you requested does not exist.")
}

// =============================================================================
// Inventory-only Mocks
// =============================================================================

// MockRDSClient is a mock implementation of RDS DescribeDBInstances
type MockRDSClient struct {
	callCounter

	DescribeDBInstancesFunc func(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// DescribeDBInstances defaults to no instances
func (m *MockRDSClient) DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	m.record("DescribeDBInstances")
	if m.DescribeDBInstancesFunc != nil {
		return m.DescribeDBInstancesFunc(ctx, params, optFns...)
	}
	return &rds.DescribeDBInstancesOutput{}, nil
}

// MockDynamoDBClient is a mock implementation of DynamoDB ListTables
type MockDynamoDBClient struct {
	callCounter

	ListTablesFunc func(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

// ListTables defaults to no tables
func (m *MockDynamoDBClient) ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	m.record("ListTables")
	if m.ListTablesFunc != nil {
		return m.ListTablesFunc(ctx, params, optFns...)
	}
	return &dynamodb.ListTablesOutput{}, nil
}

// MockEC2Client is a mock implementation of EC2 DescribeInstances
type MockEC2Client struct {
	callCounter

	DescribeInstancesFunc func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// DescribeInstances defaults to no reservations
func (m *MockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.record("DescribeInstances")
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

// MockSSMClient is a mock implementation of SSM DescribeParameters
type MockSSMClient struct {
	callCounter

	DescribeParametersFunc func(ctx context.Context, params *ssm.DescribeParametersInput, optFns ...func(*ssm.Options)) (*ssm.DescribeParametersOutput, error)
}

// DescribeParameters defaults to no parameters
func (m *MockSSMClient) DescribeParameters(ctx context.Context, params *ssm.DescribeParametersInput, optFns ...func(*ssm.Options)) (*ssm.DescribeParametersOutput, error) {
	m.record("DescribeParameters")
	if m.DescribeParametersFunc != nil {
		return m.DescribeParametersFunc(ctx, params, optFns...)
	}
	return &ssm.DescribeParametersOutput{}, nil
}

// MockAPIGatewayClient is a mock implementation of API Gateway GetRestApis
type MockAPIGatewayClient struct {
	callCounter

	GetRestApisFunc func(ctx context.Context, params *apigateway.GetRestApisInput, optFns ...func(*apigateway.Options)) (*apigateway.GetRestApisOutput, error)
}

// GetRestApis defaults to no APIs
func (m *MockAPIGatewayClient) GetRestApis(ctx context.Context, params *apigateway.GetRestApisInput, optFns ...func(*apigateway.Options)) (*apigateway.GetRestApisOutput, error) {
	m.record("GetRestApis")
	if m.GetRestApisFunc != nil {
		return m.GetRestApisFunc(ctx, params, optFns...)
	}
	return &apigateway.GetRestApisOutput{}, nil
}

// MockAPIGatewayV2Client is a mock implementation of API Gateway v2 GetApis
type MockAPIGatewayV2Client struct {
	callCounter

	GetApisFunc func(ctx context.Context, params *apigatewayv2.GetApisInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApisOutput, error)
}

// GetApis defaults to no APIs
func (m *MockAPIGatewayV2Client) GetApis(ctx context.Context, params *apigatewayv2.GetApisInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApisOutput, error) {
	m.record("GetApis")
	if m.GetApisFunc != nil {
		return m.GetApisFunc(ctx, params, optFns...)
	}
	return &apigatewayv2.GetApisOutput{}, nil
}
