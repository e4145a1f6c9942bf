package loader

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
)

// Sizes bounds what Generate produces
type Sizes struct {
	Account  string
	Users    int
	Groups   int
	Roles    int
	Policies int
	Buckets  int
	// Statements is the maximum number of statements per policy
	Statements int
}

// DefaultSizes returns a small account that still exercises every category
func DefaultSizes() Sizes {
	return Sizes{
		Account:    "123456789012",
		Users:      6,
		Groups:     2,
		Roles:      3,
		Policies:   5,
		Buckets:    2,
		Statements: 3,
	}
}

var generatedEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// generator draws every choice from one seeded source so a seed always
// yields the same documents
type generator struct {
	rnd   *rand.Rand
	table *constraints.Table
	sizes Sizes

	// monadic holds actions every entity kind may be granted on "*"
	monadic []string
	// dyadic holds actions every entity kind may be granted on a target kind
	dyadic map[domain.NodeKind][]string
	// operators holds the condition operators with a value generateCondition can produce
	operators []string
}

// Generate builds a random but well-formed set of policy documents. Every
// action and condition operator comes from table, and every statement is
// legal for the principals it is attached to, so building the result reports
// no errors. The same table, seed and sizes always give the same documents.
func Generate(table *constraints.Table, seed int64, sizes Sizes) *domain.PolicyDocuments {
	if sizes.Account == "" {
		sizes.Account = DefaultSizes().Account
	}
	if sizes.Statements < 1 {
		sizes.Statements = 1
	}
	g := &generator{
		rnd:    rand.New(rand.NewSource(seed)),
		table:  table,
		sizes:  sizes,
		dyadic: make(map[domain.NodeKind][]string),
	}
	g.collectActions()

	docs := &domain.PolicyDocuments{}
	docs.IdentityPolicies = g.policies()
	docs.Users = g.users(docs.IdentityPolicies)
	docs.Groups = g.groups(docs.Users, docs.IdentityPolicies)
	docs.Roles = g.roles(docs.Users, docs.IdentityPolicies)
	docs.ResourcePolicies = g.buckets(docs.Users, docs.Roles)
	g.targetStatements(docs)
	return docs
}

var entityKinds = []domain.NodeKind{domain.NodeKindUser, domain.NodeKindGroup, domain.NodeKindRole}

func (g *generator) collectActions() {
	for _, id := range g.table.ActionIDs() {
		// relationship ids (IsPartOf, CanAssumeRole) are not grantable
		if !strings.Contains(id, ":") {
			continue
		}
		if g.allowedForEntities(nil, id) {
			g.monadic = append(g.monadic, id)
		}
		for _, target := range []domain.NodeKind{domain.NodeKindUser, domain.NodeKindResource} {
			if g.allowedForEntities(constraints.Kind(target), id) {
				g.dyadic[target] = append(g.dyadic[target], id)
			}
		}
	}
	for _, op := range g.table.ConditionOperators() {
		kind, _ := g.table.ConditionKind(op)
		if conditionValue(kind) != "" {
			g.operators = append(g.operators, op)
		}
	}
}

func (g *generator) allowedForEntities(target *domain.NodeKind, id string) bool {
	for _, source := range entityKinds {
		if !g.table.AllowsPattern(constraints.Kind(source), target, id) {
			return false
		}
	}
	return true
}

// conditionValue returns a value the condition kind parses, or "" for kinds
// the generator does not produce
func conditionValue(kind string) string {
	switch {
	case strings.HasPrefix(kind, "date_"):
		return "2030-01-01T00:00:00Z"
	case strings.HasPrefix(kind, "ip_"):
		return "10.0.0.0/8"
	case strings.HasPrefix(kind, "numeric_"):
		return "10"
	case kind == "equals", kind == "not_equals", kind == "equals_ignore_case":
		return "engineering"
	}
	return ""
}

func (g *generator) arn(resource string) string {
	return fmt.Sprintf("arn:aws:iam::%s:%s", g.sizes.Account, resource)
}

func (g *generator) createDate() string {
	return generatedEpoch.Add(time.Duration(g.rnd.Intn(365*24)) * time.Hour).Format(time.RFC3339)
}

func (g *generator) pick(list []string) string {
	return list[g.rnd.Intn(len(list))]
}

// pickSome returns between 1 and max distinct entries of list, in list order
func (g *generator) pickSome(list []string, max int) []string {
	if max > len(list) {
		max = len(list)
	}
	n := 1 + g.rnd.Intn(max)
	chosen := make(map[int]bool, n)
	for _, i := range g.rnd.Perm(len(list))[:n] {
		chosen[i] = true
	}
	out := make([]string, 0, n)
	for i, s := range list {
		if chosen[i] {
			out = append(out, s)
		}
	}
	return out
}

func (g *generator) statement(actions []string, resource interface{}) domain.Statement {
	stmt := domain.Statement{Effect: "Allow", Action: actionValue(g.pickSome(actions, 3)), Resource: resource}
	if g.rnd.Intn(10) == 0 {
		stmt.Effect = "Deny"
	}
	if len(g.operators) > 0 && g.rnd.Intn(4) == 0 {
		op := g.pick(g.operators)
		kind, _ := g.table.ConditionKind(op)
		stmt.Condition = map[string]map[string]interface{}{
			op: {conditionKey(kind): conditionValue(kind)},
		}
	}
	return stmt
}

func conditionKey(kind string) string {
	switch {
	case strings.HasPrefix(kind, "date_"):
		return "aws:CurrentTime"
	case strings.HasPrefix(kind, "ip_"):
		return "aws:SourceIp"
	case strings.HasPrefix(kind, "numeric_"):
		return "aws:MultiFactorAuthAge"
	}
	return "aws:PrincipalTag/team"
}

// actionValue keeps single actions as a plain string, the way IAM exports them
func actionValue(actions []string) interface{} {
	if len(actions) == 1 {
		return actions[0]
	}
	return actions
}

func (g *generator) policies() []domain.ManagedPolicy {
	out := make([]domain.ManagedPolicy, 0, g.sizes.Policies)
	if len(g.monadic) == 0 {
		return out
	}
	for i := 0; i < g.sizes.Policies; i++ {
		name := fmt.Sprintf("GeneratedPolicy%02d", i)
		doc := domain.PolicyDocument{Version: "2012-10-17"}
		for n := 1 + g.rnd.Intn(g.sizes.Statements); n > 0; n-- {
			doc.Statement = append(doc.Statement, g.statement(g.monadic, "*"))
		}
		out = append(out, domain.ManagedPolicy{PolicyName: name, PolicyArn: g.arn("policy/" + name), PolicyDocument: doc})
	}
	return out
}

// attach returns up to two random policy references, possibly none
func (g *generator) attach(policies []domain.ManagedPolicy) []domain.PolicyRef {
	if len(policies) == 0 {
		return nil
	}
	var refs []domain.PolicyRef
	for _, i := range g.rnd.Perm(len(policies))[:g.rnd.Intn(min(3, len(policies)+1))] {
		refs = append(refs, domain.PolicyRef{PolicyName: policies[i].PolicyName, PolicyArn: policies[i].PolicyArn})
	}
	return refs
}

func (g *generator) users(policies []domain.ManagedPolicy) []domain.UserRecord {
	out := make([]domain.UserRecord, 0, g.sizes.Users)
	for i := 0; i < g.sizes.Users; i++ {
		name := fmt.Sprintf("user-%02d", i)
		out = append(out, domain.UserRecord{
			UserName:         name,
			Arn:              g.arn("user/" + name),
			CreateDate:       g.createDate(),
			AttachedPolicies: g.attach(policies),
		})
	}
	return out
}

func (g *generator) groups(users []domain.UserRecord, policies []domain.ManagedPolicy) []domain.GroupRecord {
	out := make([]domain.GroupRecord, 0, g.sizes.Groups)
	for i := 0; i < g.sizes.Groups; i++ {
		name := fmt.Sprintf("group-%02d", i)
		group := domain.GroupRecord{
			GroupName:        name,
			Arn:              g.arn("group/" + name),
			CreateDate:       g.createDate(),
			AttachedPolicies: g.attach(policies),
		}
		for _, u := range users {
			if g.rnd.Intn(3) == 0 {
				group.Users = append(group.Users, domain.MemberRef{UserName: u.UserName, UserArn: u.Arn})
			}
		}
		out = append(out, group)
	}
	return out
}

func (g *generator) roles(users []domain.UserRecord, policies []domain.ManagedPolicy) []domain.RoleRecord {
	out := make([]domain.RoleRecord, 0, g.sizes.Roles)
	for i := 0; i < g.sizes.Roles; i++ {
		name := fmt.Sprintf("role-%02d", i)
		role := domain.RoleRecord{
			RoleName:         name,
			Arn:              g.arn("role/" + name),
			CreateDate:       g.createDate(),
			AttachedPolicies: g.attach(policies),
		}
		// trust a few users, or an earlier role so chains appear
		trusted := make([]string, 0)
		for _, u := range users {
			if g.rnd.Intn(3) == 0 {
				trusted = append(trusted, u.Arn)
			}
		}
		if i > 0 && g.rnd.Intn(2) == 0 {
			trusted = append(trusted, out[g.rnd.Intn(i)].Arn)
		}
		if len(trusted) > 0 {
			role.AssumeRolePolicyDocument = &domain.PolicyDocument{
				Version: "2012-10-17",
				Statement: []domain.Statement{{
					Effect:    "Allow",
					Principal: map[string]interface{}{"AWS": trusted},
					Action:    "sts:AssumeRole",
				}},
			}
		}
		out = append(out, role)
	}
	return out
}

func (g *generator) buckets(users []domain.UserRecord, roles []domain.RoleRecord) []domain.ResourcePolicy {
	out := make([]domain.ResourcePolicy, 0, g.sizes.Buckets)
	actions := g.serviceActions(domain.NodeKindResource, "s3:")
	principals := make([]string, 0, len(users)+len(roles))
	for _, u := range users {
		principals = append(principals, u.Arn)
	}
	for _, r := range roles {
		principals = append(principals, r.Arn)
	}

	for i := 0; i < g.sizes.Buckets; i++ {
		name := fmt.Sprintf("generated-bucket-%02d", i)
		bucketARN := "arn:aws:s3:::" + name
		policy := domain.ResourcePolicy{
			ResourceName:   name,
			ResourceArn:    bucketARN,
			Service:        "s3",
			ResourceType:   "bucket",
			CreateDate:     g.createDate(),
			PolicyDocument: domain.PolicyDocument{Version: "2012-10-17"},
		}
		if len(actions) > 0 && len(principals) > 0 {
			stmt := g.statement(actions, bucketARN)
			stmt.Principal = map[string]interface{}{"AWS": g.pickSome(principals, 2)}
			policy.PolicyDocument.Statement = []domain.Statement{stmt}
		}
		out = append(out, policy)
	}
	return out
}

// serviceActions narrows the dyadic actions for target to one service,
// falling back to all of them when the catalogue has none for it
func (g *generator) serviceActions(target domain.NodeKind, prefix string) []string {
	var out []string
	for _, id := range g.dyadic[target] {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return g.dyadic[target]
	}
	return out
}

// targetStatements adds statements naming concrete users and buckets to the
// generated policies, so grants with a counterpart appear alongside "*"
func (g *generator) targetStatements(docs *domain.PolicyDocuments) {
	for i := range docs.IdentityPolicies {
		if g.rnd.Intn(2) == 0 {
			continue
		}
		doc := &docs.IdentityPolicies[i].PolicyDocument
		if g.rnd.Intn(2) == 0 && len(docs.Users) > 0 && len(g.dyadic[domain.NodeKindUser]) > 0 {
			doc.Statement = append(doc.Statement, g.statement(g.dyadic[domain.NodeKindUser], g.pick(userARNs(docs.Users))))
			continue
		}
		if len(docs.ResourcePolicies) > 0 {
			actions := g.serviceActions(domain.NodeKindResource, "s3:")
			if len(actions) > 0 {
				bucket := docs.ResourcePolicies[g.rnd.Intn(len(docs.ResourcePolicies))].ResourceArn
				doc.Statement = append(doc.Statement, g.statement(actions, bucket))
			}
		}
	}
}

func userARNs(users []domain.UserRecord) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Arn
	}
	return out
}
