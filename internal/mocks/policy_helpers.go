package mocks

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// =============================================================================
// Policy Builder
// =============================================================================

// PolicyBuilder provides a fluent API for building test policy documents.
type PolicyBuilder struct {
	statements []map[string]interface{}
}

// NewPolicyBuilder creates an empty policy builder.
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{
		statements: make([]map[string]interface{}, 0),
	}
}

// Allow adds an identity-policy statement allowing actions on resource
func (b *PolicyBuilder) Allow(actions []string, resource string) *PolicyBuilder {
	b.statements = append(b.statements, map[string]interface{}{
		"Effect":   "Allow",
		"Action":   actions,
		"Resource": resource,
	})
	return b
}

// Deny adds an identity-policy statement denying actions on resource
func (b *PolicyBuilder) Deny(actions []string, resource string) *PolicyBuilder {
	b.statements = append(b.statements, map[string]interface{}{
		"Effect":   "Deny",
		"Action":   actions,
		"Resource": resource,
	})
	return b
}

// AllowPrincipal adds a resource-policy statement allowing a specific principal
func (b *PolicyBuilder) AllowPrincipal(principalARN string, actions []string, resource string) *PolicyBuilder {
	b.statements = append(b.statements, map[string]interface{}{
		"Effect":    "Allow",
		"Principal": map[string]interface{}{"AWS": principalARN},
		"Action":    actions,
		"Resource":  resource,
	})
	return b
}

// AllowPublic adds a resource-policy statement allowing any principal
func (b *PolicyBuilder) AllowPublic(actions []string, resource string) *PolicyBuilder {
	b.statements = append(b.statements, map[string]interface{}{
		"Effect":    "Allow",
		"Principal": "*",
		"Action":    actions,
		"Resource":  resource,
	})
	return b
}

// TrustPrincipal adds a trust-policy statement letting a principal assume the role
func (b *PolicyBuilder) TrustPrincipal(principalARN string) *PolicyBuilder {
	b.statements = append(b.statements, map[string]interface{}{
		"Effect":    "Allow",
		"Principal": map[string]interface{}{"AWS": principalARN},
		"Action":    "sts:AssumeRole",
	})
	return b
}

// TrustService adds a trust-policy statement letting an AWS service assume the role
func (b *PolicyBuilder) TrustService(service string) *PolicyBuilder {
	b.statements = append(b.statements, map[string]interface{}{
		"Effect":    "Allow",
		"Principal": map[string]interface{}{"Service": service},
		"Action":    "sts:AssumeRole",
	})
	return b
}

// WithIPCondition restricts the last statement to a source IP range
func (b *PolicyBuilder) WithIPCondition(ipRange string) *PolicyBuilder {
	if len(b.statements) == 0 {
		return b
	}
	b.statements[len(b.statements)-1]["Condition"] = map[string]interface{}{
		"IpAddress": map[string]interface{}{
			"aws:SourceIp": ipRange,
		},
	}
	return b
}

// Build returns the policy as a JSON string
func (b *PolicyBuilder) Build() string {
	policy := map[string]interface{}{
		"Version":   "2012-10-17",
		"Statement": b.statements,
	}
	jsonBytes, _ := json.Marshal(policy)
	return string(jsonBytes)
}

// BuildEncoded returns the policy URL-encoded the way IAM returns documents
func (b *PolicyBuilder) BuildEncoded() string {
	return url.QueryEscape(b.Build())
}

// BuildEscaped returns the policy with escaped quotes the way API Gateway
// returns REST API policies
func (b *PolicyBuilder) BuildEscaped() string {
	return strings.ReplaceAll(b.Build(), `"`, `\"`)
}

// BuildOutput returns the policy wrapped in GetBucketPolicyOutput
func (b *PolicyBuilder) BuildOutput() *s3.GetBucketPolicyOutput {
	return &s3.GetBucketPolicyOutput{
		Policy: aws.String(b.Build()),
	}
}

// =============================================================================
// Errors and Identifiers
// =============================================================================

// NewAPIError returns an error carrying an AWS error code, as the SDK's
// deserializers produce for service faults
func NewAPIError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message, Fault: smithy.FaultClient}
}

// AssumedRoleARN returns the session ARN STS issues for roleARN
func AssumedRoleARN(roleARN, session string) string {
	account := TestAccountID
	name := roleARN
	if parts := strings.SplitN(roleARN, ":", 6); len(parts) == 6 {
		account = parts[4]
		name = strings.TrimPrefix(parts[5], "role/")
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("arn:aws:sts::%s:assumed-role/%s/%s", account, name, session)
}
