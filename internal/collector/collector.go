// Package collector exports a live account's IAM configuration and resource
// inventory into the policy document layout the loader reads.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	awsclient "cloudguardian/internal/aws"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/logging"
)

// Clients groups the service clients the collector reads from. Only IAM is
// required; a nil resource client skips that service.
type Clients struct {
	IAM          IAMReader
	S3           S3Reader
	KMS          KMSReader
	Lambda       LambdaReader
	RDS          RDSReader
	DynamoDB     DynamoDBReader
	EC2          EC2Reader
	SSM          SSMReader
	APIGateway   APIGatewayReader
	APIGatewayV2 APIGatewayV2Reader
}

// Collector pulls policy documents from one account and region
type Collector struct {
	clients Clients
	account string
	region  string
}

// New creates a collector. account and region are used to build ARNs for
// resources whose APIs return bare names.
func New(clients Clients, account, region string) *Collector {
	return &Collector{clients: clients, account: account, region: region}
}

// NewFromEnvironment creates a collector over the cached default clients
func NewFromEnvironment(ctx context.Context) (*Collector, error) {
	account, err := awsclient.GetAccountID(ctx)
	if err != nil {
		return nil, err
	}
	region, err := awsclient.GetRegion(ctx)
	if err != nil {
		return nil, err
	}

	var clients Clients
	services := []struct {
		name   string
		assign func(interface{})
	}{
		{"iam", func(c interface{}) { clients.IAM = c.(*iam.Client) }},
		{"s3", func(c interface{}) { clients.S3 = c.(*s3.Client) }},
		{"kms", func(c interface{}) { clients.KMS = c.(*kms.Client) }},
		{"lambda", func(c interface{}) { clients.Lambda = c.(*lambdasvc.Client) }},
		{"rds", func(c interface{}) { clients.RDS = c.(*rds.Client) }},
		{"dynamodb", func(c interface{}) { clients.DynamoDB = c.(*dynamodb.Client) }},
		{"ec2", func(c interface{}) { clients.EC2 = c.(*ec2.Client) }},
		{"ssm", func(c interface{}) { clients.SSM = c.(*ssm.Client) }},
		{"apigateway", func(c interface{}) { clients.APIGateway = c.(*apigateway.Client) }},
		{"apigatewayv2", func(c interface{}) { clients.APIGatewayV2 = c.(*apigatewayv2.Client) }},
	}
	for _, svc := range services {
		client, err := awsclient.GetAWSClient(ctx, svc.name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s client: %w", svc.name, err)
		}
		svc.assign(client)
	}

	return New(clients, account, region), nil
}

// Collect exports the account. IAM failures abort the collection; a failing
// resource service is logged and left out.
func (c *Collector) Collect(ctx context.Context) (*domain.PolicyDocuments, error) {
	start := time.Now()
	logging.LogOperationStart("collect", map[string]interface{}{
		"account": c.account,
		"region":  c.region,
	})

	if c.clients.IAM == nil {
		return nil, fmt.Errorf("collector requires an IAM client")
	}

	docs := &domain.PolicyDocuments{}
	if err := c.collectIAM(ctx, docs); err != nil {
		logging.LogOperationEnd("collect", time.Since(start), false, 0, 0, err)
		return nil, err
	}

	sources := []struct {
		name    string
		enabled bool
		collect func(context.Context) ([]domain.ResourcePolicy, error)
	}{
		{"s3", c.clients.S3 != nil, c.collectBuckets},
		{"kms", c.clients.KMS != nil, c.collectKeys},
		{"lambda", c.clients.Lambda != nil, c.collectFunctions},
		{"rds", c.clients.RDS != nil, c.collectDatabases},
		{"dynamodb", c.clients.DynamoDB != nil, c.collectTables},
		{"ec2", c.clients.EC2 != nil, c.collectInstances},
		{"ssm", c.clients.SSM != nil, c.collectParameters},
		{"apigateway", c.clients.APIGateway != nil, c.collectRestAPIs},
		{"apigatewayv2", c.clients.APIGatewayV2 != nil, c.collectHTTPAPIs},
	}
	for _, src := range sources {
		if !src.enabled {
			continue
		}
		resources, err := src.collect(ctx)
		if err != nil {
			logging.LogWarn("Skipping service after collection failure", map[string]interface{}{
				"service": src.name,
				"error":   err.Error(),
			})
			continue
		}
		logging.LogDebug("Collected resources", map[string]interface{}{
			"service": src.name,
			"count":   len(resources),
		})
		docs.ResourcePolicies = append(docs.ResourcePolicies, resources...)
	}

	found := len(docs.Users) + len(docs.Groups) + len(docs.Roles) + len(docs.ResourcePolicies)
	logging.LogOperationEnd("collect", time.Since(start), true, found, len(docs.IdentityPolicies), nil)
	logging.GetMetrics().RecordOperation("collect", time.Since(start), true, found, len(docs.IdentityPolicies), nil)
	return docs, nil
}

// observe records one API request
func observe(apiName string, start time.Time, err error) {
	logging.GetMetrics().RecordAPICall(apiName, err == nil, err)
	logging.LogAPICall(apiName, err == nil, time.Since(start), err)
}

// decodeIAMDocument decodes the URL-encoded policy documents IAM returns
func decodeIAMDocument(encoded string) (domain.PolicyDocument, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return domain.PolicyDocument{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	return decodeDocument(decoded)
}

// decodeDocument decodes a plain JSON policy document. API Gateway returns
// its policies with escaped quotes, which are undone first.
func decodeDocument(raw string) (domain.PolicyDocument, error) {
	var doc domain.PolicyDocument
	if strings.Contains(raw, `\"`) {
		raw = strings.ReplaceAll(raw, `\"`, `"`)
		raw = strings.ReplaceAll(raw, `\/`, `/`)
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.PolicyDocument{}, fmt.Errorf("failed to parse policy: %w", err)
	}
	return doc, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (c *Collector) arn(service, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, c.region, c.account, resource)
}
