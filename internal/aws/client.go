package aws

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
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
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"cloudguardian/internal/logging"
)

var (
	clientCache      = make(map[string]interface{})
	cacheMutex       sync.RWMutex
	auditorConfig    *aws.Config
	auditorConfigMux sync.RWMutex
)

// Services lists every service name GetAWSClient accepts
var Services = []string{
	"apigateway", "apigatewayv2", "dynamodb", "ec2", "iam", "kms", "lambda", "rds", "s3", "ssm", "sts",
}

func loadDefaultConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRetryMaxAttempts(5),
		config.WithRetryer(func() aws.Retryer {
			return retry.NewAdaptiveMode(func(o *retry.AdaptiveModeOptions) {
				o.StandardOptions = append(o.StandardOptions, func(so *retry.StandardOptions) {
					so.MaxBackoff = 30 * time.Second
				})
			})
		}),
	)
}

// UseAuditorRole switches every client created afterwards to credentials of
// the given role, assumed from the default credential chain. Cached clients
// are dropped.
func UseAuditorRole(ctx context.Context, roleARN string) error {
	base, err := loadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	cfg := base.Copy()
	cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), roleARN,
		func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "cloudguardian-auditor"
		}))

	auditorConfigMux.Lock()
	auditorConfig = &cfg
	auditorConfigMux.Unlock()

	cacheMutex.Lock()
	clientCache = make(map[string]interface{})
	cacheMutex.Unlock()

	logging.LogInfo("Auditor role configured", map[string]interface{}{"role_arn": roleARN})
	return nil
}

// GetAWSClient returns a cached AWS client for a service
func GetAWSClient(ctx context.Context, service string) (interface{}, error) {
	cacheMutex.RLock()
	if client, ok := clientCache[service]; ok {
		cacheMutex.RUnlock()
		return client, nil
	}
	cacheMutex.RUnlock()

	cacheMutex.Lock()
	defer cacheMutex.Unlock()

	if client, ok := clientCache[service]; ok {
		return client, nil
	}

	var cfg aws.Config
	var err error

	auditorConfigMux.RLock()
	if auditorConfig != nil {
		cfg = *auditorConfig
		auditorConfigMux.RUnlock()
		logging.LogDebug(fmt.Sprintf("Using auditor role credentials for %s client", service))
	} else {
		auditorConfigMux.RUnlock()
		cfg, err = loadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		logging.LogDebug(fmt.Sprintf("Using default credentials for %s client", service))
	}

	var client interface{}
	switch service {
	case "apigateway":
		client = apigateway.NewFromConfig(cfg)
	case "apigatewayv2":
		client = apigatewayv2.NewFromConfig(cfg)
	case "rds":
		client = rds.NewFromConfig(cfg)
	case "dynamodb":
		client = dynamodb.NewFromConfig(cfg)
	case "s3":
		client = s3.NewFromConfig(cfg)
	case "iam":
		client = iam.NewFromConfig(cfg)
	case "ec2":
		client = ec2.NewFromConfig(cfg)
	case "lambda":
		client = lambdasvc.NewFromConfig(cfg)
	case "sts":
		client = sts.NewFromConfig(cfg)
	case "ssm":
		client = ssm.NewFromConfig(cfg)
	case "kms":
		client = kms.NewFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unknown service: %s", service)
	}

	clientCache[service] = client
	return client, nil
}

// GetAccountID returns the current AWS account ID
func GetAccountID(ctx context.Context) (string, error) {
	if accountID := os.Getenv("AWS_ACCOUNT_ID"); accountID != "" {
		return accountID, nil
	}

	stsClient, err := GetAWSClient(ctx, "sts")
	if err != nil {
		return "", fmt.Errorf("failed to get STS client: %w", err)
	}

	stsSvc := stsClient.(*sts.Client)
	result, err := stsSvc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}

	if result == nil || result.Account == nil {
		return "", fmt.Errorf("empty account ID in response")
	}

	return aws.ToString(result.Account), nil
}

// GetRegion returns the region the default configuration resolves to
func GetRegion(ctx context.Context) (string, error) {
	auditorConfigMux.RLock()
	if auditorConfig != nil {
		region := auditorConfig.Region
		auditorConfigMux.RUnlock()
		return region, nil
	}
	auditorConfigMux.RUnlock()

	cfg, err := loadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg.Region, nil
}
