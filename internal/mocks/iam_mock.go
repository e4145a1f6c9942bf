// Package mocks provides mock implementations of AWS service clients for testing.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// TestAccountID is the account every default mock response lives in
const TestAccountID = "123456789012"

// callCounter counts invocations per operation name
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[op]++
}

// CallCount returns how many times op was invoked
func (c *callCounter) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// =============================================================================
// IAM Mock Implementation
// =============================================================================

// MockIAMClient implements both the provisioning and the read-only IAM
// interfaces. Use the function fields to customize behavior for each test
// case; nil fields fall back to the defaults documented on each method.
type MockIAMClient struct {
	callCounter

	CreateUserFunc        func(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	GetUserFunc           func(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateGroupFunc       func(ctx context.Context, params *iam.CreateGroupInput, optFns ...func(*iam.Options)) (*iam.CreateGroupOutput, error)
	GetGroupFunc          func(ctx context.Context, params *iam.GetGroupInput, optFns ...func(*iam.Options)) (*iam.GetGroupOutput, error)
	CreateRoleFunc        func(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	CreatePolicyFunc      func(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
	AttachUserPolicyFunc  func(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	AttachGroupPolicyFunc func(ctx context.Context, params *iam.AttachGroupPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachGroupPolicyOutput, error)
	AttachRolePolicyFunc  func(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	AddUserToGroupFunc    func(ctx context.Context, params *iam.AddUserToGroupInput, optFns ...func(*iam.Options)) (*iam.AddUserToGroupOutput, error)

	ListUsersFunc                 func(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListGroupsFunc                func(ctx context.Context, params *iam.ListGroupsInput, optFns ...func(*iam.Options)) (*iam.ListGroupsOutput, error)
	ListRolesFunc                 func(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListAttachedUserPoliciesFunc  func(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	ListAttachedGroupPoliciesFunc func(ctx context.Context, params *iam.ListAttachedGroupPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedGroupPoliciesOutput, error)
	ListAttachedRolePoliciesFunc  func(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	ListUserPoliciesFunc          func(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error)
	GetUserPolicyFunc             func(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error)
	ListRolePoliciesFunc          func(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	GetRolePolicyFunc             func(ctx context.Context, params *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error)
	ListPoliciesFunc              func(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
	GetPolicyFunc                 func(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	GetPolicyVersionFunc          func(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error)
}

func iamARN(resource string) *string {
	return aws.String(fmt.Sprintf("arn:aws:iam::%s:%s", TestAccountID, resource))
}

// CreateUser defaults to a user in TestAccountID
func (m *MockIAMClient) CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	m.record("CreateUser")
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.UserName)
	return &iam.CreateUserOutput{User: &iamtypes.User{UserName: params.UserName, Arn: iamARN("user/" + name)}}, nil
}

// GetUser defaults to a user in TestAccountID
func (m *MockIAMClient) GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error) {
	m.record("GetUser")
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.UserName)
	return &iam.GetUserOutput{User: &iamtypes.User{UserName: params.UserName, Arn: iamARN("user/" + name)}}, nil
}

// CreateGroup defaults to a group in TestAccountID
func (m *MockIAMClient) CreateGroup(ctx context.Context, params *iam.CreateGroupInput, optFns ...func(*iam.Options)) (*iam.CreateGroupOutput, error) {
	m.record("CreateGroup")
	if m.CreateGroupFunc != nil {
		return m.CreateGroupFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.GroupName)
	return &iam.CreateGroupOutput{Group: &iamtypes.Group{GroupName: params.GroupName, Arn: iamARN("group/" + name)}}, nil
}

// GetGroup defaults to an empty group in TestAccountID
func (m *MockIAMClient) GetGroup(ctx context.Context, params *iam.GetGroupInput, optFns ...func(*iam.Options)) (*iam.GetGroupOutput, error) {
	m.record("GetGroup")
	if m.GetGroupFunc != nil {
		return m.GetGroupFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.GroupName)
	return &iam.GetGroupOutput{Group: &iamtypes.Group{GroupName: params.GroupName, Arn: iamARN("group/" + name)}}, nil
}

// CreateRole defaults to a role in TestAccountID
func (m *MockIAMClient) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	m.record("CreateRole")
	if m.CreateRoleFunc != nil {
		return m.CreateRoleFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.RoleName)
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: params.RoleName, Arn: iamARN("role/" + name)}}, nil
}

// CreatePolicy defaults to a policy in TestAccountID
func (m *MockIAMClient) CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	m.record("CreatePolicy")
	if m.CreatePolicyFunc != nil {
		return m.CreatePolicyFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.PolicyName)
	return &iam.CreatePolicyOutput{Policy: &iamtypes.Policy{PolicyName: params.PolicyName, Arn: iamARN("policy/" + name)}}, nil
}

// AttachUserPolicy defaults to success
func (m *MockIAMClient) AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
	m.record("AttachUserPolicy")
	if m.AttachUserPolicyFunc != nil {
		return m.AttachUserPolicyFunc(ctx, params, optFns...)
	}
	return &iam.AttachUserPolicyOutput{}, nil
}

// AttachGroupPolicy defaults to success
func (m *MockIAMClient) AttachGroupPolicy(ctx context.Context, params *iam.AttachGroupPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachGroupPolicyOutput, error) {
	m.record("AttachGroupPolicy")
	if m.AttachGroupPolicyFunc != nil {
		return m.AttachGroupPolicyFunc(ctx, params, optFns...)
	}
	return &iam.AttachGroupPolicyOutput{}, nil
}

// AttachRolePolicy defaults to success
func (m *MockIAMClient) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	m.record("AttachRolePolicy")
	if m.AttachRolePolicyFunc != nil {
		return m.AttachRolePolicyFunc(ctx, params, optFns...)
	}
	return &iam.AttachRolePolicyOutput{}, nil
}

// AddUserToGroup defaults to success
func (m *MockIAMClient) AddUserToGroup(ctx context.Context, params *iam.AddUserToGroupInput, optFns ...func(*iam.Options)) (*iam.AddUserToGroupOutput, error) {
	m.record("AddUserToGroup")
	if m.AddUserToGroupFunc != nil {
		return m.AddUserToGroupFunc(ctx, params, optFns...)
	}
	return &iam.AddUserToGroupOutput{}, nil
}

// ListUsers defaults to no users
func (m *MockIAMClient) ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	m.record("ListUsers")
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx, params, optFns...)
	}
	return &iam.ListUsersOutput{}, nil
}

// ListGroups defaults to no groups
func (m *MockIAMClient) ListGroups(ctx context.Context, params *iam.ListGroupsInput, optFns ...func(*iam.Options)) (*iam.ListGroupsOutput, error) {
	m.record("ListGroups")
	if m.ListGroupsFunc != nil {
		return m.ListGroupsFunc(ctx, params, optFns...)
	}
	return &iam.ListGroupsOutput{}, nil
}

// ListRoles defaults to no roles
func (m *MockIAMClient) ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	m.record("ListRoles")
	if m.ListRolesFunc != nil {
		return m.ListRolesFunc(ctx, params, optFns...)
	}
	return &iam.ListRolesOutput{}, nil
}

// ListAttachedUserPolicies defaults to none
func (m *MockIAMClient) ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	m.record("ListAttachedUserPolicies")
	if m.ListAttachedUserPoliciesFunc != nil {
		return m.ListAttachedUserPoliciesFunc(ctx, params, optFns...)
	}
	return &iam.ListAttachedUserPoliciesOutput{}, nil
}

// ListAttachedGroupPolicies defaults to none
func (m *MockIAMClient) ListAttachedGroupPolicies(ctx context.Context, params *iam.ListAttachedGroupPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedGroupPoliciesOutput, error) {
	m.record("ListAttachedGroupPolicies")
	if m.ListAttachedGroupPoliciesFunc != nil {
		return m.ListAttachedGroupPoliciesFunc(ctx, params, optFns...)
	}
	return &iam.ListAttachedGroupPoliciesOutput{}, nil
}

// ListAttachedRolePolicies defaults to none
func (m *MockIAMClient) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	m.record("ListAttachedRolePolicies")
	if m.ListAttachedRolePoliciesFunc != nil {
		return m.ListAttachedRolePoliciesFunc(ctx, params, optFns...)
	}
	return &iam.ListAttachedRolePoliciesOutput{}, nil
}

// ListUserPolicies defaults to none
func (m *MockIAMClient) ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error) {
	m.record("ListUserPolicies")
	if m.ListUserPoliciesFunc != nil {
		return m.ListUserPoliciesFunc(ctx, params, optFns...)
	}
	return &iam.ListUserPoliciesOutput{}, nil
}

// GetUserPolicy has no sensible default and fails when not configured
func (m *MockIAMClient) GetUserPolicy(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error) {
	m.record("GetUserPolicy")
	if m.GetUserPolicyFunc != nil {
		return m.GetUserPolicyFunc(ctx, params, optFns...)
	}
	return nil, NewAPIError("NoSuchEntity", "inline policy not configured")
}

// ListRolePolicies defaults to none
func (m *MockIAMClient) ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	m.record("ListRolePolicies")
	if m.ListRolePoliciesFunc != nil {
		return m.ListRolePoliciesFunc(ctx, params, optFns...)
	}
	return &iam.ListRolePoliciesOutput{}, nil
}

// GetRolePolicy has no sensible default and fails when not configured
func (m *MockIAMClient) GetRolePolicy(ctx context.Context, params *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error) {
	m.record("GetRolePolicy")
	if m.GetRolePolicyFunc != nil {
		return m.GetRolePolicyFunc(ctx, params, optFns...)
	}
	return nil, NewAPIError("NoSuchEntity", "inline policy not configured")
}

// ListPolicies defaults to none
func (m *MockIAMClient) ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	m.record("ListPolicies")
	if m.ListPoliciesFunc != nil {
		return m.ListPoliciesFunc(ctx, params, optFns...)
	}
	return &iam.ListPoliciesOutput{}, nil
}

// GetPolicy has no sensible default and fails when not configured
func (m *MockIAMClient) GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	m.record("GetPolicy")
	if m.GetPolicyFunc != nil {
		return m.GetPolicyFunc(ctx, params, optFns...)
	}
	return nil, NewAPIError("NoSuchEntity", "policy not configured")
}

// GetPolicyVersion has no sensible default and fails when not configured
func (m *MockIAMClient) GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	m.record("GetPolicyVersion")
	if m.GetPolicyVersionFunc != nil {
		return m.GetPolicyVersionFunc(ctx, params, optFns...)
	}
	return nil, NewAPIError("NoSuchEntity", "policy version not configured")
}
