package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/logging"
)

// collectIAM fills users, groups, roles and every identity policy they
// reference. Inline policies are exported as managed policies under the
// path /inline/<kind>/<principal>/.
func (c *Collector) collectIAM(ctx context.Context, docs *domain.PolicyDocuments) error {
	policies := make(map[string]domain.ManagedPolicy)

	users, err := c.collectUsers(ctx, policies)
	if err != nil {
		return err
	}
	groups, err := c.collectGroups(ctx)
	if err != nil {
		return err
	}
	roles, err := c.collectRoles(ctx, policies)
	if err != nil {
		return err
	}
	if err := c.collectLocalPolicies(ctx, policies); err != nil {
		return err
	}

	// AWS managed policies are only fetched when something attaches them
	attached := make([]domain.PolicyRef, 0)
	for _, u := range users {
		attached = append(attached, u.AttachedPolicies...)
	}
	for _, g := range groups {
		attached = append(attached, g.AttachedPolicies...)
	}
	for _, r := range roles {
		attached = append(attached, r.AttachedPolicies...)
	}
	for _, ref := range attached {
		if _, ok := policies[ref.PolicyArn]; ok {
			continue
		}
		policy, err := c.fetchPolicy(ctx, ref.PolicyArn)
		if err != nil {
			logging.LogWarn("Failed to fetch attached policy", map[string]interface{}{
				"policy_arn": ref.PolicyArn,
				"error":      err.Error(),
			})
			continue
		}
		policies[ref.PolicyArn] = policy
	}

	docs.Users = users
	docs.Groups = groups
	docs.Roles = roles
	docs.IdentityPolicies = sortedPolicies(policies)
	return nil
}

func (c *Collector) collectUsers(ctx context.Context, policies map[string]domain.ManagedPolicy) ([]domain.UserRecord, error) {
	users := make([]domain.UserRecord, 0)
	paginator := iam.NewListUsersPaginator(c.clients.IAM, &iam.ListUsersInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListUsers", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, u := range page.Users {
			name := aws.ToString(u.UserName)
			record := domain.UserRecord{
				UserName:   name,
				Arn:        aws.ToString(u.Arn),
				CreateDate: formatDate(u.CreateDate),
			}

			attached, err := c.attachedUserPolicies(ctx, name)
			if err != nil {
				return nil, err
			}
			inline, err := c.inlineUserPolicies(ctx, record.Arn, name)
			if err != nil {
				return nil, err
			}
			record.AttachedPolicies = append(attached, refsOf(inline, policies)...)
			users = append(users, record)
		}
	}
	return users, nil
}

func (c *Collector) attachedUserPolicies(ctx context.Context, userName string) ([]domain.PolicyRef, error) {
	refs := make([]domain.PolicyRef, 0)
	paginator := iam.NewListAttachedUserPoliciesPaginator(c.clients.IAM, &iam.ListAttachedUserPoliciesInput{
		UserName: aws.String(userName),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListAttachedUserPolicies", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list attached policies for user %s: %w", userName, err)
		}
		refs = append(refs, policyRefs(page.AttachedPolicies)...)
	}
	return refs, nil
}

func (c *Collector) inlineUserPolicies(ctx context.Context, userARN, userName string) ([]domain.ManagedPolicy, error) {
	inline := make([]domain.ManagedPolicy, 0)
	paginator := iam.NewListUserPoliciesPaginator(c.clients.IAM, &iam.ListUserPoliciesInput{
		UserName: aws.String(userName),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListUserPolicies", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list inline policies for user %s: %w", userName, err)
		}
		for _, policyName := range page.PolicyNames {
			start := time.Now()
			out, err := c.clients.IAM.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
				UserName:   aws.String(userName),
				PolicyName: aws.String(policyName),
			})
			observe("iam:GetUserPolicy", start, err)
			if err != nil {
				return nil, fmt.Errorf("failed to get inline policy %s for user %s: %w", policyName, userName, err)
			}
			doc, err := decodeIAMDocument(aws.ToString(out.PolicyDocument))
			if err != nil {
				logging.LogWarn("Skipping undecodable inline policy", map[string]interface{}{
					"user":   userName,
					"policy": policyName,
					"error":  err.Error(),
				})
				continue
			}
			inline = append(inline, inlinePolicy(userARN, "user", userName, policyName, doc))
		}
	}
	return inline, nil
}

func (c *Collector) collectGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	groups := make([]domain.GroupRecord, 0)
	paginator := iam.NewListGroupsPaginator(c.clients.IAM, &iam.ListGroupsInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListGroups", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list groups: %w", err)
		}
		for _, g := range page.Groups {
			name := aws.ToString(g.GroupName)
			record := domain.GroupRecord{
				GroupName:  name,
				Arn:        aws.ToString(g.Arn),
				CreateDate: formatDate(g.CreateDate),
			}

			members, err := c.groupMembers(ctx, name)
			if err != nil {
				return nil, err
			}
			record.Users = members

			paginator := iam.NewListAttachedGroupPoliciesPaginator(c.clients.IAM, &iam.ListAttachedGroupPoliciesInput{
				GroupName: aws.String(name),
			})
			for paginator.HasMorePages() {
				start := time.Now()
				page, err := paginator.NextPage(ctx)
				observe("iam:ListAttachedGroupPolicies", start, err)
				if err != nil {
					return nil, fmt.Errorf("failed to list attached policies for group %s: %w", name, err)
				}
				record.AttachedPolicies = append(record.AttachedPolicies, policyRefs(page.AttachedPolicies)...)
			}
			groups = append(groups, record)
		}
	}
	return groups, nil
}

func (c *Collector) groupMembers(ctx context.Context, groupName string) ([]domain.MemberRef, error) {
	members := make([]domain.MemberRef, 0)
	var marker *string
	for {
		start := time.Now()
		out, err := c.clients.IAM.GetGroup(ctx, &iam.GetGroupInput{
			GroupName: aws.String(groupName),
			Marker:    marker,
		})
		observe("iam:GetGroup", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to get group %s: %w", groupName, err)
		}
		for _, u := range out.Users {
			members = append(members, domain.MemberRef{
				UserName: aws.ToString(u.UserName),
				UserArn:  aws.ToString(u.Arn),
			})
		}
		if !out.IsTruncated || out.Marker == nil {
			return members, nil
		}
		marker = out.Marker
	}
}

func (c *Collector) collectRoles(ctx context.Context, policies map[string]domain.ManagedPolicy) ([]domain.RoleRecord, error) {
	roles := make([]domain.RoleRecord, 0)
	paginator := iam.NewListRolesPaginator(c.clients.IAM, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListRoles", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list roles: %w", err)
		}
		for _, r := range page.Roles {
			name := aws.ToString(r.RoleName)
			record := domain.RoleRecord{
				RoleName:   name,
				Arn:        aws.ToString(r.Arn),
				CreateDate: formatDate(r.CreateDate),
			}
			if r.AssumeRolePolicyDocument != nil {
				trust, err := decodeIAMDocument(aws.ToString(r.AssumeRolePolicyDocument))
				if err != nil {
					logging.LogWarn("Skipping undecodable trust policy", map[string]interface{}{
						"role":  name,
						"error": err.Error(),
					})
				} else {
					record.AssumeRolePolicyDocument = &trust
				}
			}

			attached, err := c.attachedRolePolicies(ctx, name)
			if err != nil {
				return nil, err
			}
			inline, err := c.inlineRolePolicies(ctx, record.Arn, name)
			if err != nil {
				return nil, err
			}
			record.AttachedPolicies = append(attached, refsOf(inline, policies)...)
			roles = append(roles, record)
		}
	}
	return roles, nil
}

func (c *Collector) attachedRolePolicies(ctx context.Context, roleName string) ([]domain.PolicyRef, error) {
	refs := make([]domain.PolicyRef, 0)
	paginator := iam.NewListAttachedRolePoliciesPaginator(c.clients.IAM, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListAttachedRolePolicies", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list attached policies for role %s: %w", roleName, err)
		}
		refs = append(refs, policyRefs(page.AttachedPolicies)...)
	}
	return refs, nil
}

func (c *Collector) inlineRolePolicies(ctx context.Context, roleARN, roleName string) ([]domain.ManagedPolicy, error) {
	inline := make([]domain.ManagedPolicy, 0)
	paginator := iam.NewListRolePoliciesPaginator(c.clients.IAM, &iam.ListRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListRolePolicies", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list inline policies for role %s: %w", roleName, err)
		}
		for _, policyName := range page.PolicyNames {
			start := time.Now()
			out, err := c.clients.IAM.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
				RoleName:   aws.String(roleName),
				PolicyName: aws.String(policyName),
			})
			observe("iam:GetRolePolicy", start, err)
			if err != nil {
				return nil, fmt.Errorf("failed to get inline policy %s for role %s: %w", policyName, roleName, err)
			}
			doc, err := decodeIAMDocument(aws.ToString(out.PolicyDocument))
			if err != nil {
				logging.LogWarn("Skipping undecodable inline policy", map[string]interface{}{
					"role":   roleName,
					"policy": policyName,
					"error":  err.Error(),
				})
				continue
			}
			inline = append(inline, inlinePolicy(roleARN, "role", roleName, policyName, doc))
		}
	}
	return inline, nil
}

// collectLocalPolicies reads every customer managed policy, attached or not
func (c *Collector) collectLocalPolicies(ctx context.Context, policies map[string]domain.ManagedPolicy) error {
	paginator := iam.NewListPoliciesPaginator(c.clients.IAM, &iam.ListPoliciesInput{
		Scope: iamtypes.PolicyScopeTypeLocal,
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("iam:ListPolicies", start, err)
		if err != nil {
			return fmt.Errorf("failed to list policies: %w", err)
		}
		for _, p := range page.Policies {
			policyARN := aws.ToString(p.Arn)
			doc, err := c.policyVersion(ctx, policyARN, aws.ToString(p.DefaultVersionId))
			if err != nil {
				logging.LogWarn("Failed to read policy version", map[string]interface{}{
					"policy_arn": policyARN,
					"error":      err.Error(),
				})
				continue
			}
			policies[policyARN] = domain.ManagedPolicy{
				PolicyName:     aws.ToString(p.PolicyName),
				PolicyArn:      policyARN,
				PolicyDocument: doc,
			}
		}
	}
	return nil
}

func (c *Collector) fetchPolicy(ctx context.Context, policyARN string) (domain.ManagedPolicy, error) {
	start := time.Now()
	out, err := c.clients.IAM.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyARN)})
	observe("iam:GetPolicy", start, err)
	if err != nil {
		return domain.ManagedPolicy{}, fmt.Errorf("failed to get policy %s: %w", policyARN, err)
	}
	if out.Policy == nil || out.Policy.DefaultVersionId == nil {
		return domain.ManagedPolicy{}, fmt.Errorf("policy %s has no default version", policyARN)
	}
	doc, err := c.policyVersion(ctx, policyARN, aws.ToString(out.Policy.DefaultVersionId))
	if err != nil {
		return domain.ManagedPolicy{}, err
	}
	return domain.ManagedPolicy{
		PolicyName:     aws.ToString(out.Policy.PolicyName),
		PolicyArn:      policyARN,
		PolicyDocument: doc,
	}, nil
}

func (c *Collector) policyVersion(ctx context.Context, policyARN, versionID string) (domain.PolicyDocument, error) {
	start := time.Now()
	out, err := c.clients.IAM.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: aws.String(policyARN),
		VersionId: aws.String(versionID),
	})
	observe("iam:GetPolicyVersion", start, err)
	if err != nil {
		return domain.PolicyDocument{}, fmt.Errorf("failed to get version %s of %s: %w", versionID, policyARN, err)
	}
	if out.PolicyVersion == nil || out.PolicyVersion.Document == nil {
		return domain.PolicyDocument{}, fmt.Errorf("version %s of %s has no document", versionID, policyARN)
	}
	return decodeIAMDocument(aws.ToString(out.PolicyVersion.Document))
}

func policyRefs(attached []iamtypes.AttachedPolicy) []domain.PolicyRef {
	refs := make([]domain.PolicyRef, 0, len(attached))
	for _, p := range attached {
		refs = append(refs, domain.PolicyRef{
			PolicyName: aws.ToString(p.PolicyName),
			PolicyArn:  aws.ToString(p.PolicyArn),
		})
	}
	return refs
}

// inlinePolicy names an inline policy in its owner's account
func inlinePolicy(ownerARN, kind, owner, name string, doc domain.PolicyDocument) domain.ManagedPolicy {
	resource := fmt.Sprintf("policy/inline/%s/%s/%s", kind, owner, name)
	return domain.ManagedPolicy{
		PolicyName:     fmt.Sprintf("%s/%s", owner, name),
		PolicyArn:      identity.BuildARN("iam", identity.AccountOf(ownerARN), resource),
		PolicyDocument: doc,
	}
}

// refsOf registers inline policies and returns references to them
func refsOf(inline []domain.ManagedPolicy, policies map[string]domain.ManagedPolicy) []domain.PolicyRef {
	refs := make([]domain.PolicyRef, 0, len(inline))
	for _, p := range inline {
		policies[p.PolicyArn] = p
		refs = append(refs, domain.PolicyRef{PolicyName: p.PolicyName, PolicyArn: p.PolicyArn})
	}
	return refs
}

func sortedPolicies(policies map[string]domain.ManagedPolicy) []domain.ManagedPolicy {
	arns := make([]string, 0, len(policies))
	for arn := range policies {
		arns = append(arns, arn)
	}
	sort.Strings(arns)

	out := make([]domain.ManagedPolicy, 0, len(arns))
	for _, arn := range arns {
		out = append(out, policies[arn])
	}
	return out
}
