// Package loader reads and writes the on-disk policy document layout: one
// JSON file per category, each wrapping its records in a top-level key
// ({"Users": [...]}, {"IdentityBasedPolicies": [...]}, ...). Files may carry
// comments and trailing commas.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/logging"
)

// File names of the policy document categories
const (
	UsersFile            = "users.json"
	GroupsFile           = "groups.json"
	RolesFile            = "roles.json"
	IdentityPoliciesFile = "identities_policies.json"
	ResourcePoliciesFile = "resources_policies.json"
)

type category struct {
	file  string
	read  func(dst, src *domain.PolicyDocuments)
	empty func(docs *domain.PolicyDocuments) bool
	only  func(docs *domain.PolicyDocuments) *domain.PolicyDocuments
}

var categories = []category{
	{
		file:  UsersFile,
		read:  func(dst, src *domain.PolicyDocuments) { dst.Users = src.Users },
		empty: func(d *domain.PolicyDocuments) bool { return len(d.Users) == 0 },
		only:  func(d *domain.PolicyDocuments) *domain.PolicyDocuments { return &domain.PolicyDocuments{Users: d.Users} },
	},
	{
		file:  GroupsFile,
		read:  func(dst, src *domain.PolicyDocuments) { dst.Groups = src.Groups },
		empty: func(d *domain.PolicyDocuments) bool { return len(d.Groups) == 0 },
		only:  func(d *domain.PolicyDocuments) *domain.PolicyDocuments { return &domain.PolicyDocuments{Groups: d.Groups} },
	},
	{
		file:  RolesFile,
		read:  func(dst, src *domain.PolicyDocuments) { dst.Roles = src.Roles },
		empty: func(d *domain.PolicyDocuments) bool { return len(d.Roles) == 0 },
		only:  func(d *domain.PolicyDocuments) *domain.PolicyDocuments { return &domain.PolicyDocuments{Roles: d.Roles} },
	},
	{
		file:  IdentityPoliciesFile,
		read:  func(dst, src *domain.PolicyDocuments) { dst.IdentityPolicies = src.IdentityPolicies },
		empty: func(d *domain.PolicyDocuments) bool { return len(d.IdentityPolicies) == 0 },
		only: func(d *domain.PolicyDocuments) *domain.PolicyDocuments {
			return &domain.PolicyDocuments{IdentityPolicies: d.IdentityPolicies}
		},
	},
	{
		file:  ResourcePoliciesFile,
		read:  func(dst, src *domain.PolicyDocuments) { dst.ResourcePolicies = src.ResourcePolicies },
		empty: func(d *domain.PolicyDocuments) bool { return len(d.ResourcePolicies) == 0 },
		only: func(d *domain.PolicyDocuments) *domain.PolicyDocuments {
			return &domain.PolicyDocuments{ResourcePolicies: d.ResourcePolicies}
		},
	},
}

// LoadDir reads every category file found in dir. A missing file leaves its
// category empty; a file that does not decode is a MalformedInputError naming it.
func LoadDir(dir string) (*domain.PolicyDocuments, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, &domain.MalformedInputError{Field: "dir", Message: fmt.Sprintf("%s is not a directory", dir)}
	}

	docs := &domain.PolicyDocuments{}
	loaded := 0
	for _, c := range categories {
		path := filepath.Join(dir, c.file)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			logging.LogDebug("Policy category missing, leaving it empty", map[string]interface{}{
				"file": path,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		parsed, err := Parse(data)
		if err != nil {
			return nil, &domain.MalformedInputError{Field: c.file, Message: fmt.Sprintf("cannot decode %s", path), Err: err}
		}
		c.read(docs, parsed)
		loaded++
	}

	logging.LogInfo("Loaded policy documents", map[string]interface{}{
		"dir":               dir,
		"files":             loaded,
		"users":             len(docs.Users),
		"groups":            len(docs.Groups),
		"roles":             len(docs.Roles),
		"identity_policies": len(docs.IdentityPolicies),
		"resource_policies": len(docs.ResourcePolicies),
	})
	return docs, nil
}

// Parse decodes one JSONC category file
func Parse(data []byte) (*domain.PolicyDocuments, error) {
	var docs domain.PolicyDocuments
	if err := json.Unmarshal(jsonc.ToJSON(data), &docs); err != nil {
		return nil, err
	}
	return &docs, nil
}

// WriteDir writes each non-empty category to its file in dir, creating the
// directory when needed
func WriteDir(dir string, docs *domain.PolicyDocuments) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, c := range categories {
		if c.empty(docs) {
			continue
		}
		data, err := json.MarshalIndent(c.only(docs), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", c.file, err)
		}
		path := filepath.Join(dir, c.file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
