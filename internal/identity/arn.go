package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"cloudguardian/internal/domain"
)

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// Classification is what an identifier says about the node it names
type Classification struct {
	// ID is the canonical identifier: assumed-role sessions collapse to their
	// role and S3 object ARNs collapse to their bucket.
	ID           string
	Kind         domain.NodeKind
	Name         string
	Account      string
	Service      string
	ResourceType string
}

// Spec returns the registration attributes for the classified identifier
func (c Classification) Spec() NodeSpec {
	return NodeSpec{
		Name:         c.Name,
		Service:      c.Service,
		ResourceType: c.ResourceType,
	}
}

// Classify maps an identifier onto a node kind. Service principals
// (*.amazonaws.com) and the anonymous principal "*" are Service nodes.
func Classify(id string) (Classification, error) {
	if id == "*" {
		return Classification{ID: "*", Kind: domain.NodeKindService, Name: "*"}, nil
	}
	if IsServicePrincipal(id) {
		return Classification{ID: id, Kind: domain.NodeKindService, Name: id, Service: strings.SplitN(id, ".", 2)[0]}, nil
	}
	if !arn.IsARN(id) {
		return Classification{}, &domain.MalformedInputError{Field: "identifier", Message: fmt.Sprintf("not an ARN: %q", id)}
	}

	parsed, err := arn.Parse(id)
	if err != nil {
		return Classification{}, &domain.MalformedInputError{Field: "identifier", Message: fmt.Sprintf("unparseable ARN %q", id), Err: err}
	}
	if parsed.Resource == "" {
		return Classification{}, &domain.MalformedInputError{Field: "identifier", Message: fmt.Sprintf("ARN without resource: %q", id)}
	}

	switch parsed.Service {
	case "iam":
		return classifyIAM(parsed), nil
	case "sts":
		return classifySTS(parsed), nil
	default:
		return classifyResource(parsed), nil
	}
}

func classifyIAM(parsed arn.ARN) Classification {
	c := Classification{ID: parsed.String(), Account: parsed.AccountID, Name: lastSegment(parsed.Resource)}
	switch {
	case parsed.Resource == "root":
		c.Kind = domain.NodeKindUser
		c.Name = parsed.AccountID
	case strings.HasPrefix(parsed.Resource, "user/"):
		c.Kind = domain.NodeKindUser
	case strings.HasPrefix(parsed.Resource, "group/"):
		c.Kind = domain.NodeKindGroup
	case strings.HasPrefix(parsed.Resource, "role/"):
		c.Kind = domain.NodeKindRole
	default:
		c.Kind = domain.NodeKindResource
		c.Service = "iam"
		c.ResourceType = firstSegment(parsed.Resource)
	}
	return c
}

func classifySTS(parsed arn.ARN) Classification {
	parts := strings.Split(parsed.Resource, "/")
	switch parts[0] {
	case "assumed-role":
		if len(parts) >= 2 {
			role := arn.ARN{
				Partition: parsed.Partition,
				Service:   "iam",
				AccountID: parsed.AccountID,
				Resource:  "role/" + parts[1],
			}
			return Classification{ID: role.String(), Kind: domain.NodeKindRole, Name: parts[1], Account: parsed.AccountID}
		}
	case "federated-user":
		return Classification{ID: parsed.String(), Kind: domain.NodeKindUser, Name: lastSegment(parsed.Resource), Account: parsed.AccountID}
	}
	return Classification{
		ID:           parsed.String(),
		Kind:         domain.NodeKindResource,
		Name:         lastSegment(parsed.Resource),
		Account:      parsed.AccountID,
		Service:      "sts",
		ResourceType: parts[0],
	}
}

func classifyResource(parsed arn.ARN) Classification {
	c := Classification{
		ID:      parsed.String(),
		Kind:    domain.NodeKindResource,
		Account: parsed.AccountID,
		Service: parsed.Service,
	}
	if parsed.Service == "s3" {
		bucket := strings.SplitN(parsed.Resource, "/", 2)[0]
		collapsed := arn.ARN{Partition: parsed.Partition, Service: "s3", Resource: bucket}
		c.ID = collapsed.String()
		c.Name = bucket
		c.ResourceType = "bucket"
		return c
	}
	c.Name = lastSegment(parsed.Resource)
	c.ResourceType = firstSegment(parsed.Resource)
	if c.ResourceType == parsed.Resource {
		c.ResourceType = parsed.Service
	}
	return c
}

// NormalizePrincipal canonicalizes one entry of a statement's Principal block.
// A bare account id in an AWS principal names the account root.
func NormalizePrincipal(principalType, id string) (Classification, error) {
	switch principalType {
	case "Service":
		return Classification{ID: id, Kind: domain.NodeKindService, Name: id, Service: strings.SplitN(id, ".", 2)[0]}, nil
	case "Federated", "CanonicalUser":
		return Classification{ID: id, Kind: domain.NodeKindService, Name: id}, nil
	}
	if accountIDPattern.MatchString(id) {
		id = fmt.Sprintf("arn:aws:iam::%s:root", id)
	}
	return Classify(id)
}

// IsARN reports whether id has the shape of an ARN
func IsARN(id string) bool {
	return arn.IsARN(id)
}

// IsServicePrincipal reports whether id names an AWS service principal
func IsServicePrincipal(id string) bool {
	return !arn.IsARN(id) && strings.HasSuffix(id, ".amazonaws.com")
}

// DisplayName derives a readable name from an identifier
func DisplayName(id string) string {
	if !arn.IsARN(id) {
		return id
	}
	parsed, err := arn.Parse(id)
	if err != nil || parsed.Resource == "" {
		return id
	}
	if parsed.Resource == "root" {
		return parsed.AccountID
	}
	return lastSegment(parsed.Resource)
}

// AccountOf returns the account id embedded in an ARN, or "" for identifiers
// that carry none
func AccountOf(id string) string {
	parsed, err := arn.Parse(id)
	if err != nil {
		return ""
	}
	return parsed.AccountID
}

// BuildARN assembles an IAM-style ARN for a principal created in account
func BuildARN(service, account, resource string) string {
	return arn.ARN{Partition: "aws", Service: service, AccountID: account, Resource: resource}.String()
}

func lastSegment(resource string) string {
	i := strings.LastIndexAny(resource, "/:")
	if i < 0 {
		return resource
	}
	return resource[i+1:]
}

func firstSegment(resource string) string {
	i := strings.IndexAny(resource, "/:")
	if i < 0 {
		return resource
	}
	return resource[:i]
}
