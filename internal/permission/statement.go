package permission

import (
	"fmt"
	"sort"

	"cloudguardian/internal/domain"
)

// ConditionResolver maps an IAM condition operator (e.g. "IpAddress") to a
// condition kind. The constraint catalogue implements it.
type ConditionResolver interface {
	ConditionKind(operator string) (string, bool)
}

// ConditionsFromBlock builds conditions from a statement's Condition block.
// Operators and keys are visited in sorted order.
func ConditionsFromBlock(resolver ConditionResolver, block map[string]map[string]interface{}) ([]*Condition, error) {
	if len(block) == 0 {
		return nil, nil
	}

	operators := make([]string, 0, len(block))
	for op := range block {
		operators = append(operators, op)
	}
	sort.Strings(operators)

	conditions := make([]*Condition, 0)
	for _, op := range operators {
		kind, ok := resolver.ConditionKind(op)
		if !ok {
			return nil, &domain.ConditionNotSupportedError{Kind: op}
		}

		keys := make([]string, 0, len(block[op]))
		for key := range block[op] {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			c, err := NewCondition(ConditionKind(kind), key, conditionValues(block[op][key]))
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, c)
		}
	}
	return conditions, nil
}

// FromStatement expands one policy statement into interned permissions, one
// per action pattern, all carrying the statement's effect and conditions
func FromStatement(store *Store, resolver ConditionResolver, stmt domain.Statement, rank domain.Rank) ([]*Permission, error) {
	if stmt.NotAction != nil {
		return nil, &domain.MalformedInputError{Field: "NotAction", Message: "NotAction statements are not supported"}
	}
	effect, err := ParseEffect(stmt.Effect)
	if err != nil {
		return nil, err
	}
	actions := stmt.Actions()
	if len(actions) == 0 {
		return nil, &domain.MalformedInputError{Field: "Action", Message: "statement without actions"}
	}

	conditions, err := ConditionsFromBlock(resolver, stmt.Condition)
	if err != nil {
		return nil, err
	}

	permissions := make([]*Permission, 0, len(actions))
	for _, action := range actions {
		p, err := store.GetOrCreate(Action(action), effect, conditions, rank)
		if err != nil {
			return nil, fmt.Errorf("failed to intern permission for %s: %w", action, err)
		}
		permissions = append(permissions, p)
	}
	return permissions, nil
}

// conditionValues normalizes a condition value (string, list, bool or number)
// to strings
func conditionValues(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(v)}
	}
}
