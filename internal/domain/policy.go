package domain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// PolicyDocuments holds every category of normalized policy records the
// graph builder consumes. A category missing on disk stays empty.
type PolicyDocuments struct {
	Users            []UserRecord     `json:"Users,omitempty"`
	Groups           []GroupRecord    `json:"Groups,omitempty"`
	Roles            []RoleRecord     `json:"Roles,omitempty"`
	IdentityPolicies []ManagedPolicy  `json:"IdentityBasedPolicies,omitempty"`
	ResourcePolicies []ResourcePolicy `json:"ResourceBasedPolicies,omitempty"`
}

// PolicyRef references a managed policy attached to a principal
type PolicyRef struct {
	PolicyName string `json:"PolicyName"`
	PolicyArn  string `json:"PolicyArn"`
}

// MemberRef references a user listed as a group member
type MemberRef struct {
	UserName string `json:"UserName"`
	UserArn  string `json:"UserArn"`
}

// UserRecord is one entry of users.json
type UserRecord struct {
	UserName         string      `json:"UserName"`
	Arn              string      `json:"Arn"`
	CreateDate       string      `json:"CreateDate,omitempty"`
	AttachedPolicies []PolicyRef `json:"AttachedPolicies,omitempty"`
}

// GroupRecord is one entry of groups.json
type GroupRecord struct {
	GroupName        string      `json:"GroupName"`
	Arn              string      `json:"Arn"`
	CreateDate       string      `json:"CreateDate,omitempty"`
	Users            []MemberRef `json:"Users,omitempty"`
	AttachedPolicies []PolicyRef `json:"AttachedPolicies,omitempty"`
}

// RoleRecord is one entry of roles.json
type RoleRecord struct {
	RoleName                 string          `json:"RoleName"`
	Arn                      string          `json:"Arn"`
	CreateDate               string          `json:"CreateDate,omitempty"`
	AssumeRolePolicyDocument *PolicyDocument `json:"AssumeRolePolicyDocument,omitempty"`
	AttachedPolicies         []PolicyRef     `json:"AttachedPolicies,omitempty"`
}

// ManagedPolicy is an identity-based policy from identities_policies.json
type ManagedPolicy struct {
	PolicyName     string         `json:"PolicyName"`
	PolicyArn      string         `json:"PolicyArn"`
	PolicyDocument PolicyDocument `json:"PolicyDocument"`
}

// ResourcePolicy is a resource-based policy from resources_policies.json
type ResourcePolicy struct {
	ResourceName   string         `json:"ResourceName"`
	ResourceArn    string         `json:"ResourceArn"`
	Service        string         `json:"Service,omitempty"`
	ResourceType   string         `json:"ResourceType,omitempty"`
	CreateDate     string         `json:"CreateDate,omitempty"`
	PolicyDocument PolicyDocument `json:"PolicyDocument"`
}

// PolicyDocument is an IAM policy document
type PolicyDocument struct {
	Version   string      `json:"Version,omitempty"`
	Statement []Statement `json:"Statement"`
}

// UnmarshalJSON accepts both a single statement object and a statement list
func (d *PolicyDocument) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version   string          `json:"Version"`
		Statement json.RawMessage `json:"Statement"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Version = raw.Version
	d.Statement = nil

	trimmed := bytes.TrimSpace(raw.Statement)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '{' {
		var single Statement
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		d.Statement = []Statement{single}
		return nil
	}
	return json.Unmarshal(trimmed, &d.Statement)
}

// Statement is a single policy statement. Action, Resource and Principal keep
// their raw JSON shapes (string, list or map) and are read through the helpers below.
type Statement struct {
	Sid       string                            `json:"Sid,omitempty"`
	Effect    string                            `json:"Effect"`
	Action    interface{}                       `json:"Action,omitempty"`
	NotAction interface{}                       `json:"NotAction,omitempty"`
	Resource  interface{}                       `json:"Resource,omitempty"`
	Principal interface{}                       `json:"Principal,omitempty"`
	Condition map[string]map[string]interface{} `json:"Condition,omitempty"`
}

// Actions returns the statement's Action entries as a list
func (s Statement) Actions() []string {
	return NormalizeToList(s.Action)
}

// Resources returns the statement's Resource entries as a list
func (s Statement) Resources() []string {
	return NormalizeToList(s.Resource)
}

// PrincipalRef is one principal named in a statement's Principal block
type PrincipalRef struct {
	// Type is the principal block key: AWS, Service, Federated or CanonicalUser.
	// A bare "*" principal has type AWS.
	Type string
	ID   string
}

// Principals flattens the statement's Principal block. Types are visited in
// sorted order so resolution is deterministic.
func (s Statement) Principals() []PrincipalRef {
	switch p := s.Principal.(type) {
	case string:
		if p == "" {
			return nil
		}
		return []PrincipalRef{{Type: "AWS", ID: p}}
	case map[string]interface{}:
		types := make([]string, 0, len(p))
		for t := range p {
			types = append(types, t)
		}
		sort.Strings(types)

		refs := make([]PrincipalRef, 0)
		for _, t := range types {
			for _, id := range NormalizeToList(p[t]) {
				refs = append(refs, PrincipalRef{Type: t, ID: id})
			}
		}
		return refs
	default:
		return nil
	}
}

// NormalizeToList normalizes a value to a list of strings
func NormalizeToList(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	default:
		return []string{}
	}
}
