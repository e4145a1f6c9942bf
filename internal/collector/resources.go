package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

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

	awsclient "cloudguardian/internal/aws"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/logging"
)

// Error codes meaning "this resource has no policy"
const (
	codeNoSuchBucketPolicy = "NoSuchBucketPolicy"
	codeResourceNotFound   = "ResourceNotFoundException"
)

// withPolicy attaches a raw resource policy to rp. An unreadable policy is
// logged and the resource is kept without statements.
func withPolicy(rp domain.ResourcePolicy, raw string) domain.ResourcePolicy {
	if raw == "" {
		return rp
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		logging.LogWarn("Skipping undecodable resource policy", map[string]interface{}{
			"resource": rp.ResourceArn,
			"error":    err.Error(),
		})
		return rp
	}
	rp.PolicyDocument = doc
	return rp
}

func (c *Collector) collectBuckets(ctx context.Context) ([]domain.ResourcePolicy, error) {
	start := time.Now()
	out, err := c.clients.S3.ListBuckets(ctx, &s3.ListBucketsInput{})
	observe("s3:ListBuckets", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	resources := make([]domain.ResourcePolicy, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		name := aws.ToString(b.Name)
		rp := domain.ResourcePolicy{
			ResourceName: name,
			ResourceArn:  fmt.Sprintf("arn:aws:s3:::%s", name),
			Service:      "s3",
			ResourceType: "bucket",
			CreateDate:   formatDate(b.CreationDate),
		}

		start := time.Now()
		policy, err := c.clients.S3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(name)})
		if err != nil && awsclient.ErrorCode(err) == codeNoSuchBucketPolicy {
			observe("s3:GetBucketPolicy", start, nil)
			resources = append(resources, rp)
			continue
		}
		observe("s3:GetBucketPolicy", start, err)
		if err != nil {
			logging.LogWarn("Failed to get bucket policy", map[string]interface{}{
				"bucket": name,
				"error":  err.Error(),
			})
			resources = append(resources, rp)
			continue
		}
		resources = append(resources, withPolicy(rp, aws.ToString(policy.Policy)))
	}
	return resources, nil
}

func (c *Collector) collectKeys(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := kms.NewListKeysPaginator(c.clients.KMS, &kms.ListKeysInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("kms:ListKeys", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list keys: %w", err)
		}
		for _, k := range page.Keys {
			keyID := aws.ToString(k.KeyId)
			rp := domain.ResourcePolicy{
				ResourceName: keyID,
				ResourceArn:  aws.ToString(k.KeyArn),
				Service:      "kms",
				ResourceType: "key",
			}

			start := time.Now()
			policy, err := c.clients.KMS.GetKeyPolicy(ctx, &kms.GetKeyPolicyInput{
				KeyId:      aws.String(keyID),
				PolicyName: aws.String("default"),
			})
			observe("kms:GetKeyPolicy", start, err)
			if err != nil {
				logging.LogWarn("Failed to get key policy", map[string]interface{}{
					"key_id": keyID,
					"error":  err.Error(),
				})
				resources = append(resources, rp)
				continue
			}
			resources = append(resources, withPolicy(rp, aws.ToString(policy.Policy)))
		}
	}
	return resources, nil
}

func (c *Collector) collectFunctions(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := lambdasvc.NewListFunctionsPaginator(c.clients.Lambda, &lambdasvc.ListFunctionsInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("lambda:ListFunctions", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list functions: %w", err)
		}
		for _, fn := range page.Functions {
			name := aws.ToString(fn.FunctionName)
			rp := domain.ResourcePolicy{
				ResourceName: name,
				ResourceArn:  aws.ToString(fn.FunctionArn),
				Service:      "lambda",
				ResourceType: "function",
			}

			start := time.Now()
			policy, err := c.clients.Lambda.GetPolicy(ctx, &lambdasvc.GetPolicyInput{FunctionName: aws.String(name)})
			if err != nil && awsclient.ErrorCode(err) == codeResourceNotFound {
				observe("lambda:GetPolicy", start, nil)
				resources = append(resources, rp)
				continue
			}
			observe("lambda:GetPolicy", start, err)
			if err != nil {
				logging.LogWarn("Failed to get function policy", map[string]interface{}{
					"function": name,
					"error":    err.Error(),
				})
				resources = append(resources, rp)
				continue
			}
			resources = append(resources, withPolicy(rp, aws.ToString(policy.Policy)))
		}
	}
	return resources, nil
}

func (c *Collector) collectDatabases(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := rds.NewDescribeDBInstancesPaginator(c.clients.RDS, &rds.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("rds:DescribeDBInstances", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to describe DB instances: %w", err)
		}
		for _, db := range page.DBInstances {
			resources = append(resources, domain.ResourcePolicy{
				ResourceName: aws.ToString(db.DBInstanceIdentifier),
				ResourceArn:  aws.ToString(db.DBInstanceArn),
				Service:      "rds",
				ResourceType: "db",
				CreateDate:   formatDate(db.InstanceCreateTime),
			})
		}
	}
	return resources, nil
}

func (c *Collector) collectTables(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := dynamodb.NewListTablesPaginator(c.clients.DynamoDB, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("dynamodb:ListTables", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		for _, name := range page.TableNames {
			resources = append(resources, domain.ResourcePolicy{
				ResourceName: name,
				ResourceArn:  c.arn("dynamodb", "table/"+name),
				Service:      "dynamodb",
				ResourceType: "table",
			})
		}
	}
	return resources, nil
}

func (c *Collector) collectInstances(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := ec2.NewDescribeInstancesPaginator(c.clients.EC2, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("ec2:DescribeInstances", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				id := aws.ToString(inst.InstanceId)
				resources = append(resources, domain.ResourcePolicy{
					ResourceName: id,
					ResourceArn:  c.arn("ec2", "instance/"+id),
					Service:      "ec2",
					ResourceType: "instance",
					CreateDate:   formatDate(inst.LaunchTime),
				})
			}
		}
	}
	return resources, nil
}

func (c *Collector) collectParameters(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := ssm.NewDescribeParametersPaginator(c.clients.SSM, &ssm.DescribeParametersInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("ssm:DescribeParameters", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to describe parameters: %w", err)
		}
		for _, p := range page.Parameters {
			name := aws.ToString(p.Name)
			resources = append(resources, domain.ResourcePolicy{
				ResourceName: name,
				ResourceArn:  c.arn("ssm", "parameter/"+strings.TrimPrefix(name, "/")),
				Service:      "ssm",
				ResourceType: "parameter",
				CreateDate:   formatDate(p.LastModifiedDate),
			})
		}
	}
	return resources, nil
}

func (c *Collector) collectRestAPIs(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	paginator := apigateway.NewGetRestApisPaginator(c.clients.APIGateway, &apigateway.GetRestApisInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("apigateway:GetRestApis", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list REST APIs: %w", err)
		}
		for _, api := range page.Items {
			rp := domain.ResourcePolicy{
				ResourceName: aws.ToString(api.Name),
				ResourceArn:  c.arn("execute-api", aws.ToString(api.Id)),
				Service:      "execute-api",
				ResourceType: "restapi",
				CreateDate:   formatDate(api.CreatedDate),
			}
			resources = append(resources, withPolicy(rp, aws.ToString(api.Policy)))
		}
	}
	return resources, nil
}

func (c *Collector) collectHTTPAPIs(ctx context.Context) ([]domain.ResourcePolicy, error) {
	resources := make([]domain.ResourcePolicy, 0)
	var token *string
	for {
		start := time.Now()
		out, err := c.clients.APIGatewayV2.GetApis(ctx, &apigatewayv2.GetApisInput{NextToken: token})
		observe("apigatewayv2:GetApis", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list APIs: %w", err)
		}
		for _, api := range out.Items {
			resources = append(resources, domain.ResourcePolicy{
				ResourceName: aws.ToString(api.Name),
				ResourceArn:  c.arn("execute-api", aws.ToString(api.ApiId)),
				Service:      "execute-api",
				ResourceType: strings.ToLower(string(api.ProtocolType)) + "api",
				CreateDate:   formatDate(api.CreatedDate),
			})
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			return resources, nil
		}
		token = out.NextToken
	}
}
