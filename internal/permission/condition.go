package permission

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloudguardian/internal/domain"
)

// ConditionKind is the closed set of supported condition predicates
type ConditionKind string

const (
	ConditionDateAfter                ConditionKind = "date_after"
	ConditionDateBefore               ConditionKind = "date_before"
	ConditionDateAtOrAfter            ConditionKind = "date_at_or_after"
	ConditionDateAtOrBefore           ConditionKind = "date_at_or_before"
	ConditionIPInRange                ConditionKind = "ip_in_range"
	ConditionIPNotInRange             ConditionKind = "ip_not_in_range"
	ConditionEquals                   ConditionKind = "equals"
	ConditionNotEquals                ConditionKind = "not_equals"
	ConditionEqualsIgnoreCase         ConditionKind = "equals_ignore_case"
	ConditionNumericEquals            ConditionKind = "numeric_equals"
	ConditionNumericLessThan          ConditionKind = "numeric_less_than"
	ConditionNumericGreaterThan       ConditionKind = "numeric_greater_than"
	ConditionNumericLessThanEquals    ConditionKind = "numeric_less_than_equals"
	ConditionNumericGreaterThanEquals ConditionKind = "numeric_greater_than_equals"
	ConditionTimeWindow               ConditionKind = "time_window"
	ConditionBool                     ConditionKind = "bool"
)

// SupportedConditionKinds lists every kind with an evaluator
var SupportedConditionKinds = []ConditionKind{
	ConditionDateAfter,
	ConditionDateBefore,
	ConditionDateAtOrAfter,
	ConditionDateAtOrBefore,
	ConditionIPInRange,
	ConditionIPNotInRange,
	ConditionEquals,
	ConditionNotEquals,
	ConditionEqualsIgnoreCase,
	ConditionNumericEquals,
	ConditionNumericLessThan,
	ConditionNumericGreaterThan,
	ConditionNumericLessThanEquals,
	ConditionNumericGreaterThanEquals,
	ConditionTimeWindow,
	ConditionBool,
}

// IsSupported reports whether k has an evaluator
func (k ConditionKind) IsSupported() bool {
	for _, kind := range SupportedConditionKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Context is the runtime request context conditions are evaluated against,
// keyed by condition key (e.g. "aws:SourceIp", "aws:CurrentTime")
type Context map[string]string

// Condition is a typed predicate over one context key. Values are parsed at
// construction, so evaluation never fails.
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	Key    string        `json:"key"`
	Values []string      `json:"values"`

	dates   []time.Time
	nets    []*net.IPNet
	numbers []float64
	bools   []bool
	window  [2]int
}

// NewCondition builds a condition of the given kind. An unknown kind fails
// with ConditionNotSupportedError; values that do not parse for the kind
// fail with MalformedInputError.
func NewCondition(kind ConditionKind, key string, values []string) (*Condition, error) {
	if !kind.IsSupported() {
		return nil, &domain.ConditionNotSupportedError{Kind: string(kind)}
	}
	if key == "" {
		return nil, &domain.MalformedInputError{Field: "condition key", Message: fmt.Sprintf("%s condition without a key", kind)}
	}
	if len(values) == 0 {
		return nil, &domain.MalformedInputError{Field: key, Message: fmt.Sprintf("%s condition without values", kind)}
	}

	c := &Condition{Kind: kind, Key: key, Values: append([]string(nil), values...)}
	if err := c.parse(); err != nil {
		return nil, &domain.MalformedInputError{Field: key, Message: fmt.Sprintf("invalid %s value", kind), Err: err}
	}
	return c, nil
}

func (c *Condition) parse() error {
	switch c.Kind {
	case ConditionDateAfter, ConditionDateBefore, ConditionDateAtOrAfter, ConditionDateAtOrBefore:
		for _, v := range c.Values {
			t, err := parseDate(v)
			if err != nil {
				return err
			}
			c.dates = append(c.dates, t)
		}
	case ConditionIPInRange, ConditionIPNotInRange:
		for _, v := range c.Values {
			n, err := parseCIDR(v)
			if err != nil {
				return err
			}
			c.nets = append(c.nets, n)
		}
	case ConditionNumericEquals, ConditionNumericLessThan, ConditionNumericGreaterThan,
		ConditionNumericLessThanEquals, ConditionNumericGreaterThanEquals:
		for _, v := range c.Values {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			c.numbers = append(c.numbers, f)
		}
	case ConditionBool:
		for _, v := range c.Values {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			c.bools = append(c.bools, b)
		}
	case ConditionTimeWindow:
		if len(c.Values) != 1 {
			return fmt.Errorf("time window takes exactly one HH:MM-HH:MM value, got %d", len(c.Values))
		}
		start, end, found := strings.Cut(c.Values[0], "-")
		if !found {
			return fmt.Errorf("time window %q is not HH:MM-HH:MM", c.Values[0])
		}
		var err error
		if c.window[0], err = parseClock(start); err != nil {
			return err
		}
		if c.window[1], err = parseClock(end); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate reports whether the condition holds for ctx. A missing key or an
// unparseable context value evaluates to false. With several values the
// condition holds if any value matches, except for the negated kinds which
// require that no value matches.
func (c *Condition) Evaluate(ctx Context) bool {
	raw, ok := ctx[c.Key]
	if !ok {
		return false
	}

	switch c.Kind {
	case ConditionDateAfter, ConditionDateBefore, ConditionDateAtOrAfter, ConditionDateAtOrBefore:
		t, err := parseDate(raw)
		if err != nil {
			return false
		}
		for _, d := range c.dates {
			switch {
			case c.Kind == ConditionDateAfter && t.After(d):
				return true
			case c.Kind == ConditionDateBefore && t.Before(d):
				return true
			case c.Kind == ConditionDateAtOrAfter && !t.Before(d):
				return true
			case c.Kind == ConditionDateAtOrBefore && !t.After(d):
				return true
			}
		}
		return false

	case ConditionIPInRange, ConditionIPNotInRange:
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			return false
		}
		inRange := false
		for _, n := range c.nets {
			if n.Contains(ip) {
				inRange = true
				break
			}
		}
		if c.Kind == ConditionIPInRange {
			return inRange
		}
		return !inRange

	case ConditionEquals:
		for _, v := range c.Values {
			if coercedEqual(raw, v) {
				return true
			}
		}
		return false

	case ConditionNotEquals:
		for _, v := range c.Values {
			if coercedEqual(raw, v) {
				return false
			}
		}
		return true

	case ConditionEqualsIgnoreCase:
		for _, v := range c.Values {
			if strings.EqualFold(strings.TrimSpace(raw), strings.TrimSpace(v)) {
				return true
			}
		}
		return false

	case ConditionNumericEquals, ConditionNumericLessThan, ConditionNumericGreaterThan,
		ConditionNumericLessThanEquals, ConditionNumericGreaterThanEquals:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return false
		}
		for _, n := range c.numbers {
			switch {
			case c.Kind == ConditionNumericEquals && f == n:
				return true
			case c.Kind == ConditionNumericLessThan && f < n:
				return true
			case c.Kind == ConditionNumericGreaterThan && f > n:
				return true
			case c.Kind == ConditionNumericLessThanEquals && f <= n:
				return true
			case c.Kind == ConditionNumericGreaterThanEquals && f >= n:
				return true
			}
		}
		return false

	case ConditionBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return false
		}
		for _, v := range c.bools {
			if v == b {
				return true
			}
		}
		return false

	case ConditionTimeWindow:
		minute, err := parseClock(raw)
		if err != nil {
			return false
		}
		start, end := c.window[0], c.window[1]
		if start <= end {
			return minute >= start && minute <= end
		}
		// window wraps past midnight
		return minute >= start || minute <= end
	}
	return false
}

// String is the canonical form used for permission interning. Values are sorted.
func (c *Condition) String() string {
	values := append([]string(nil), c.Values...)
	sort.Strings(values)
	return fmt.Sprintf("%s(%s=%s)", c.Kind, c.Key, strings.Join(values, ","))
}

func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

func parseCIDR(v string) (*net.IPNet, error) {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "/") {
		ip := net.ParseIP(v)
		if ip == nil {
			return nil, fmt.Errorf("unparseable address %q", v)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(v)
	return n, err
}

// parseClock parses HH:MM into minutes since midnight
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("unparseable time of day %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func coercedEqual(a, b string) bool {
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		return fa == fb
	}
	ba, errA := strconv.ParseBool(strings.TrimSpace(a))
	bb, errB := strconv.ParseBool(strings.TrimSpace(b))
	if errA == nil && errB == nil {
		return ba == bb
	}
	return false
}
