package groups

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vpbank/netwatch/models"
)

// matcher is a compiled criteria predicate.
type matcher func(models.Device) bool

// matchNothing is the fail-closed predicate used for invalid criteria.
func matchNothing(models.Device) bool { return false }

// compile turns criteria into a matcher. Text operators compare case
// insensitively; regex patterns are compiled once here with the (?i) flag.
func compile(subject string, c *models.Criteria) (matcher, error) {
	if c == nil {
		return matchNothing, &models.InvalidPredicateError{Subject: subject, Reason: "dynamic group without criteria"}
	}

	field := c.Field
	if _, ok := (models.Device{}).FieldValue(field); !ok {
		return matchNothing, &models.InvalidPredicateError{
			Subject: subject,
			Reason:  fmt.Sprintf("unsupported field %q", field),
		}
	}
	want := strings.ToLower(c.Value)

	switch c.Operator {
	case models.OpEquals:
		return func(d models.Device) bool {
			v, _ := d.FieldValue(field)
			return strings.ToLower(v) == want
		}, nil
	case models.OpContains:
		return func(d models.Device) bool {
			v, _ := d.FieldValue(field)
			return strings.Contains(strings.ToLower(v), want)
		}, nil
	case models.OpStartsWith:
		return func(d models.Device) bool {
			v, _ := d.FieldValue(field)
			return strings.HasPrefix(strings.ToLower(v), want)
		}, nil
	case models.OpRegex:
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			return matchNothing, &models.InvalidPredicateError{Subject: subject, Reason: "bad pattern", Err: err}
		}
		return func(d models.Device) bool {
			v, _ := d.FieldValue(field)
			return re.MatchString(v)
		}, nil
	default:
		return matchNothing, &models.InvalidPredicateError{
			Subject: subject,
			Reason:  fmt.Sprintf("unsupported operator %q", c.Operator),
		}
	}
}
