package internal

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// FilterRule drops matching webhook deliveries at ingress before they are
// queued. `when` is a boolean expression over the flattened payload; dotted
// keys must be escaped as [repository.fork]. `params` optionally binds extra
// names to jsonpath extractions from the raw payload.
type FilterRule struct {
	When   string            `yaml:"when"`
	Note   string            `yaml:"note"`
	Params map[string]string `yaml:"params"`
}

type compiledFilter struct {
	note   string
	params map[string]string
	expr   *govaluate.EvaluableExpression
}

// FilterEngine evaluates ingest filter rules.
type FilterEngine struct {
	rules  []compiledFilter
	logger *log.Logger
}

// NewFilterEngine compiles the configured rules.
func NewFilterEngine(rules []FilterRule, logger *log.Logger) (*FilterEngine, error) {
	if logger == nil {
		logger = log.Default()
	}
	compiled := make([]compiledFilter, 0, len(rules))
	for i, rule := range rules {
		when := strings.TrimSpace(rule.When)
		if when == "" {
			return nil, fmt.Errorf("ingest filter %d has an empty when clause", i)
		}
		expr, err := govaluate.NewEvaluableExpression(when)
		if err != nil {
			return nil, fmt.Errorf("ingest filter %d: %w", i, err)
		}
		compiled = append(compiled, compiledFilter{
			note:   rule.Note,
			params: rule.Params,
			expr:   expr,
		})
	}
	return &FilterEngine{rules: compiled, logger: logger}, nil
}

// Match reports whether any rule matches the delivery; a match means the
// delivery is acknowledged but not queued. Evaluation errors only disable the
// offending rule for this delivery.
func (e *FilterEngine) Match(eventType string, payload []byte) (bool, string) {
	if e == nil || len(e.rules) == 0 {
		return false, ""
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false, ""
	}
	base := Flatten(decoded)
	base["event"] = eventType

	for _, rule := range e.rules {
		parameters := base
		if len(rule.params) > 0 {
			parameters = make(map[string]interface{}, len(base)+len(rule.params))
			for key, value := range base {
				parameters[key] = value
			}
			for name, path := range rule.params {
				value, err := jsonpath.Get(path, interface{}(decoded))
				if err != nil {
					continue
				}
				parameters[name] = value
			}
		}
		result, err := rule.expr.Evaluate(parameters)
		if err != nil {
			e.logger.Printf("ingest filter eval failed: %v", err)
			continue
		}
		if matched, _ := result.(bool); matched {
			return true, rule.note
		}
	}
	return false, ""
}
