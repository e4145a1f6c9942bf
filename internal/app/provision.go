package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"cloudguardian/internal/aws"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/logging"
)

// OperationProvision names Provision in logs and metrics
const OperationProvision = "Provision"

// Provisioner creates identities and resources in an account. Identifiers it
// returns are the ones the account assigned.
type Provisioner interface {
	CreatePolicy(ctx context.Context, name, document string) (string, error)
	CreateGroup(ctx context.Context, name string) (string, error)
	CreateUser(ctx context.Context, name string) (string, error)
	CreateRole(ctx context.Context, name, trustPolicy string) (string, error)
	AttachGroupPolicy(ctx context.Context, groupName, policyARN string) error
	AttachUserPolicy(ctx context.Context, userName, policyARN string) error
	AttachRolePolicy(ctx context.Context, roleName, policyARN string) error
	AddUserToGroup(ctx context.Context, userName, groupName string) error
	CreateBucket(ctx context.Context, name string) (string, error)
	PutBucketPolicy(ctx context.Context, bucket, document string) error
}

var _ Provisioner = (*aws.Adapter)(nil)

// ARNMap pairs identifiers found in policy documents with the identifiers
// the account assigned when they were provisioned. Lookups work both ways.
type ARNMap struct {
	created  map[string]string
	original map[string]string
}

// NewARNMap returns an empty map
func NewARNMap() *ARNMap {
	return &ARNMap{created: make(map[string]string), original: make(map[string]string)}
}

// Add records that original was provisioned as created
func (m *ARNMap) Add(original, created string) {
	m.created[original] = created
	m.original[created] = original
}

// Created returns the provisioned identifier for original
func (m *ARNMap) Created(original string) (string, bool) {
	id, ok := m.created[original]
	return id, ok
}

// Original returns the document identifier created was provisioned from
func (m *ARNMap) Original(created string) (string, bool) {
	id, ok := m.original[created]
	return id, ok
}

// Len returns the number of pairs
func (m *ARNMap) Len() int {
	return len(m.created)
}

// Originals returns the mapped document identifiers, sorted
func (m *ARNMap) Originals() []string {
	ids := make([]string, 0, len(m.created))
	for id := range m.created {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON writes the original to created direction
func (m *ARNMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.created)
}

// translate maps id when it was provisioned and returns it unchanged
// otherwise, so AWS managed policies and foreign principals pass through
func (m *ARNMap) translate(id string) string {
	if created, ok := m.created[id]; ok {
		return created
	}
	return id
}

// Provision creates everything docs describe through p: managed policies,
// groups with their attached policies, users with theirs, group memberships,
// roles with rewritten trust policies and attached policies, then S3 buckets
// with their bucket policies. Identifiers inside documents are rewritten to
// the ones already provisioned. The first failure stops the run; the
// returned map holds what was created before it.
func Provision(ctx context.Context, p Provisioner, docs *domain.PolicyDocuments) (*ARNMap, error) {
	start := time.Now()
	logging.LogOperationStart(OperationProvision, map[string]interface{}{
		"users":             len(docs.Users),
		"groups":            len(docs.Groups),
		"roles":             len(docs.Roles),
		"identity_policies": len(docs.IdentityPolicies),
		"resource_policies": len(docs.ResourcePolicies),
	})

	m := NewARNMap()
	err := provision(ctx, p, docs, m)

	items := len(docs.Users) + len(docs.Groups) + len(docs.Roles) + len(docs.IdentityPolicies) + len(docs.ResourcePolicies)
	logging.LogOperationEnd(OperationProvision, time.Since(start), err == nil, items, m.Len(), err)
	logging.GetMetrics().RecordOperation(OperationProvision, time.Since(start), err == nil, items, m.Len(), err)
	return m, err
}

// ProvisionLive provisions docs into the account the environment's
// credentials belong to
func ProvisionLive(ctx context.Context, docs *domain.PolicyDocuments) (*ARNMap, error) {
	accountID, err := aws.GetAccountID(ctx)
	if err != nil {
		return nil, fmt.Errorf("AWS credential check failed (ensure valid credentials via env vars, IAM role, or SSO): %w", err)
	}
	adapter, err := aws.NewAdapterFromEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	logging.LogInfo("Provisioning into live account", map[string]interface{}{"account": accountID})
	return Provision(ctx, adapter, docs)
}

func provision(ctx context.Context, p Provisioner, docs *domain.PolicyDocuments, m *ARNMap) error {
	for _, policy := range docs.IdentityPolicies {
		name := nameOf(policy.PolicyName, policy.PolicyArn)
		document, err := marshalDocument(rewriteDocument(policy.PolicyDocument, m))
		if err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
		created, err := p.CreatePolicy(ctx, name, document)
		if err != nil {
			return fmt.Errorf("failed to create policy %s: %w", name, err)
		}
		m.Add(policy.PolicyArn, created)
	}

	for _, group := range docs.Groups {
		name := nameOf(group.GroupName, group.Arn)
		created, err := p.CreateGroup(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to create group %s: %w", name, err)
		}
		m.Add(group.Arn, created)
		for _, ref := range group.AttachedPolicies {
			if err := p.AttachGroupPolicy(ctx, name, m.translate(ref.PolicyArn)); err != nil {
				return fmt.Errorf("failed to attach %s to group %s: %w", ref.PolicyArn, name, err)
			}
		}
	}

	users := make(map[string]string, len(docs.Users))
	for _, user := range docs.Users {
		name := nameOf(user.UserName, user.Arn)
		created, err := p.CreateUser(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to create user %s: %w", name, err)
		}
		m.Add(user.Arn, created)
		users[user.Arn] = name
		for _, ref := range user.AttachedPolicies {
			if err := p.AttachUserPolicy(ctx, name, m.translate(ref.PolicyArn)); err != nil {
				return fmt.Errorf("failed to attach %s to user %s: %w", ref.PolicyArn, name, err)
			}
		}
	}

	for _, group := range docs.Groups {
		groupName := nameOf(group.GroupName, group.Arn)
		for _, member := range group.Users {
			userName, ok := users[member.UserArn]
			if !ok {
				userName = nameOf(member.UserName, member.UserArn)
			}
			if err := p.AddUserToGroup(ctx, userName, groupName); err != nil {
				return fmt.Errorf("failed to add %s to group %s: %w", userName, groupName, err)
			}
		}
	}

	for _, role := range docs.Roles {
		name := nameOf(role.RoleName, role.Arn)
		trust := domain.PolicyDocument{Version: "2012-10-17"}
		if role.AssumeRolePolicyDocument != nil {
			trust = rewriteDocument(*role.AssumeRolePolicyDocument, m)
		}
		document, err := marshalDocument(trust)
		if err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
		created, err := p.CreateRole(ctx, name, document)
		if err != nil {
			return fmt.Errorf("failed to create role %s: %w", name, err)
		}
		m.Add(role.Arn, created)
		for _, ref := range role.AttachedPolicies {
			if err := p.AttachRolePolicy(ctx, name, m.translate(ref.PolicyArn)); err != nil {
				return fmt.Errorf("failed to attach %s to role %s: %w", ref.PolicyArn, name, err)
			}
		}
	}

	for _, resource := range docs.ResourcePolicies {
		bucket, ok := bucketName(resource.ResourceArn)
		if !ok {
			logging.LogWarn("Skipping resource policy that is not a bucket policy", map[string]interface{}{
				"resource": resource.ResourceArn,
			})
			continue
		}
		created, err := p.CreateBucket(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		m.Add(resource.ResourceArn, created)
		if len(resource.PolicyDocument.Statement) == 0 {
			continue
		}
		document, err := marshalDocument(rewriteDocument(resource.PolicyDocument, m))
		if err != nil {
			return fmt.Errorf("bucket %s: %w", bucket, err)
		}
		if err := p.PutBucketPolicy(ctx, bucket, document); err != nil {
			return fmt.Errorf("failed to set policy on bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func nameOf(name, id string) string {
	if name != "" {
		return name
	}
	return identity.DisplayName(id)
}

// bucketName returns the bucket an S3 bucket ARN names
func bucketName(id string) (string, bool) {
	parsed, err := arn.Parse(id)
	if err != nil || parsed.Service != "s3" || parsed.Resource == "" || strings.Contains(parsed.Resource, "/") {
		return "", false
	}
	return parsed.Resource, true
}

func marshalDocument(doc domain.PolicyDocument) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy document: %w", err)
	}
	return string(raw), nil
}

// rewriteDocument copies doc with provisioned identifiers substituted in
// Principal and Resource entries. doc is not modified.
func rewriteDocument(doc domain.PolicyDocument, m *ARNMap) domain.PolicyDocument {
	out := domain.PolicyDocument{Version: doc.Version, Statement: make([]domain.Statement, len(doc.Statement))}
	for i, stmt := range doc.Statement {
		stmt.Principal = rewritePrincipal(stmt.Principal, m)
		stmt.Resource = rewriteValue(stmt.Resource, m)
		out.Statement[i] = stmt
	}
	return out
}

func rewritePrincipal(principal interface{}, m *ARNMap) interface{} {
	block, ok := principal.(map[string]interface{})
	if !ok {
		return rewriteValue(principal, m)
	}
	out := make(map[string]interface{}, len(block))
	for kind, v := range block {
		out[kind] = rewriteValue(v, m)
	}
	return out
}

// rewriteValue translates a string or a list of strings; other shapes pass
// through untouched
func rewriteValue(v interface{}, m *ARNMap) interface{} {
	switch t := v.(type) {
	case string:
		return m.translate(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = m.translate(s)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			if s, ok := item.(string); ok {
				out[i] = m.translate(s)
			} else {
				out[i] = item
			}
		}
		return out
	}
	return v
}
