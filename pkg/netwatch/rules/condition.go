package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vpbank/netwatch/models"
)

// Verdict is the outcome of a condition for one device.
type Verdict struct {
	Breach bool
	// Known is false when the window holds no data the condition can judge,
	// e.g. no snapshot yet or no configuration text collected.
	Known  bool
	Value  float64 // latest metric value; metric conditions only
	Detail string
}

// Predicate is a compiled Condition. It is immutable and safe to share.
type Predicate struct {
	cond    models.Condition
	re      *regexp.Regexp
	invalid bool
}

// Compile prepares c for evaluation. When c cannot be compiled the returned
// predicate never breaches and the error is an *models.InvalidPredicateError.
func Compile(subject string, c models.Condition) (*Predicate, error) {
	p := &Predicate{cond: c}
	switch c.Kind {
	case models.ConditionMetric:
		if c.Metric == "" {
			return p.fail(subject, "metric condition without metric", nil)
		}
		if _, err := c.Op.Compare(0, 0); err != nil {
			return p.fail(subject, "bad operator", err)
		}
	case models.ConditionConfig:
		if c.Pattern == "" {
			return p.fail(subject, "config condition without pattern", nil)
		}
		if c.Mode != models.ConfigRequire && c.Mode != models.ConfigForbid {
			return p.fail(subject, fmt.Sprintf("unknown config mode %q", c.Mode), nil)
		}
		re, err := regexp.Compile("(?m)" + c.Pattern)
		if err != nil {
			return p.fail(subject, "bad pattern", err)
		}
		p.re = re
	default:
		return p.fail(subject, fmt.Sprintf("unknown condition kind %q", c.Kind), nil)
	}
	return p, nil
}

func (p *Predicate) fail(subject, reason string, err error) (*Predicate, error) {
	p.invalid = true
	return p, &models.InvalidPredicateError{Subject: subject, Reason: reason, Err: err}
}

// Evaluate judges the condition over window, ordered oldest to newest with
// the latest snapshot last.
func (p *Predicate) Evaluate(window []*models.MetricSnapshot) Verdict {
	if p == nil || p.invalid {
		return Verdict{Known: true, Detail: "invalid predicate"}
	}
	if len(window) == 0 || window[len(window)-1] == nil {
		return Verdict{Detail: "no data"}
	}
	if p.cond.Kind == models.ConditionConfig {
		return p.evalConfig(window[len(window)-1])
	}
	return p.evalMetric(window)
}

// evalMetric breaches when the comparison held for each of the last N
// samples. A sample that lacks the metric breaks the run.
func (p *Predicate) evalMetric(window []*models.MetricSnapshot) Verdict {
	c := p.cond
	latest, ok := window[len(window)-1].Value(c.Metric)
	if !ok {
		return Verdict{Detail: fmt.Sprintf("metric %s not reported", c.Metric)}
	}

	v := Verdict{Known: true, Value: latest}
	v.Detail = fmt.Sprintf("%s=%s", c.Metric, formatFloat(latest))

	n := c.Samples()
	if len(window) < n {
		return v
	}
	for _, snap := range window[len(window)-n:] {
		x, ok := snap.Value(c.Metric)
		if !ok {
			return v
		}
		if hit, _ := c.Op.Compare(x, c.Threshold); !hit {
			return v
		}
	}

	v.Breach = true
	v.Detail = fmt.Sprintf("%s=%s %s %s", c.Metric, formatFloat(latest), c.Op, formatFloat(c.Threshold))
	if n > 1 {
		v.Detail += fmt.Sprintf(" for %d samples", n)
	}
	return v
}

func (p *Predicate) evalConfig(latest *models.MetricSnapshot) Verdict {
	if latest.Config == "" {
		return Verdict{Detail: "no configuration collected"}
	}
	loc := p.re.FindStringIndex(latest.Config)
	switch p.cond.Mode {
	case models.ConfigRequire:
		if loc == nil {
			return Verdict{Breach: true, Known: true, Detail: fmt.Sprintf("required pattern %q not found", p.cond.Pattern)}
		}
		return Verdict{Known: true, Detail: "required pattern present"}
	default:
		if loc != nil {
			return Verdict{Breach: true, Known: true,
				Detail: fmt.Sprintf("forbidden pattern present: %s", lineAt(latest.Config, loc[0]))}
		}
		return Verdict{Known: true, Detail: "forbidden pattern absent"}
	}
}

// lineAt returns the trimmed line of s containing offset i.
func lineAt(s string, i int) string {
	start := strings.LastIndexByte(s[:i], '\n') + 1
	end := strings.IndexByte(s[i:], '\n')
	if end < 0 {
		end = len(s)
	} else {
		end += i
	}
	return strings.TrimSpace(s[start:end])
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
