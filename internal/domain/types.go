package domain

// NodeKind represents the kind of an access graph node
type NodeKind string

const (
	NodeKindUser     NodeKind = "User"
	NodeKindGroup    NodeKind = "Group"
	NodeKindRole     NodeKind = "Role"
	NodeKindService  NodeKind = "Service"
	NodeKindResource NodeKind = "Resource"
)

// AllNodeKinds lists every concrete node kind
var AllNodeKinds = []NodeKind{
	NodeKindUser,
	NodeKindGroup,
	NodeKindRole,
	NodeKindService,
	NodeKindResource,
}

// IsValid reports whether k is one of the concrete node kinds
func (k NodeKind) IsValid() bool {
	for _, kind := range AllNodeKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// RelationshipKind represents the kind of an access graph edge
type RelationshipKind string

const (
	RelIsPartOf                RelationshipKind = "IsPartOf"
	RelCanAssumeRole           RelationshipKind = "CanAssumeRole"
	RelHasPermission           RelationshipKind = "HasPermission"
	RelHasPermissionToResource RelationshipKind = "HasPermissionToResource"
)

// AllRelationshipKinds lists every relationship kind
var AllRelationshipKinds = []RelationshipKind{
	RelIsPartOf,
	RelCanAssumeRole,
	RelHasPermission,
	RelHasPermissionToResource,
}

// IsPermission reports whether the relationship carries a permission
func (k RelationshipKind) IsPermission() bool {
	return k == RelHasPermission || k == RelHasPermissionToResource
}

// Effect is the outcome a statement declares
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Rank tells whether a permission is bound to a specific target
type Rank string

const (
	// RankMonadic permissions are not bound to a target resource
	RankMonadic Rank = "Monadic"
	// RankDyadic permissions bind a source to a specific target
	RankDyadic Rank = "Dyadic"
)

// LogLevel represents log levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)
