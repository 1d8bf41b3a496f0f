package validator

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/domain/automation"
)

const (
	CodeInvalidTriggerType      = "INVALID_TRIGGER_TYPE"
	CodeInvalidMatchType        = "INVALID_MATCH_TYPE"
	CodeMissingEventTypes       = "MISSING_EVENT_TYPES"
	CodeInvalidTriggerCondition = "INVALID_TRIGGER_CONDITION"
	CodeMissingCron             = "MISSING_CRON"
	CodeInvalidCron             = "INVALID_CRON"
	CodeInvalidTimezone         = "INVALID_TIMEZONE"
	CodeNoKeywords              = "NO_KEYWORDS"
)

// ValidateTrigger checks that the trigger configuration can be matched at runtime.
func (v *Validator) ValidateTrigger(triggerType automation.TriggerType, cfg automation.TriggerConfig) Result {
	c := &graphCheck{result: Result{Errors: []Issue{}, Warnings: []Issue{}}}

	switch triggerType {
	case automation.TriggerIncomingMessage:
		switch cfg.MatchType {
		case "", automation.KeywordMatchAny, automation.KeywordMatchAll, automation.KeywordMatchExact:
		default:
			c.errorf(CodeInvalidMatchType, "", "", "keyword match type %q must be any, all or exact", cfg.MatchType)
		}
		if len(cfg.Keywords) == 0 && len(cfg.Channels) == 0 {
			c.warnf(CodeNoKeywords, "", "", "trigger has no channel or keyword filter and will fire on every incoming message")
		}

	case automation.TriggerEventBased:
		if len(cfg.EventTypes) == 0 {
			c.errorf(CodeMissingEventTypes, "", "", "event based trigger requires at least one event type")
		}
		for i, rule := range cfg.Conditions {
			if rule.Field == "" || rule.Operator == "" {
				c.errorf(CodeInvalidTriggerCondition, "", "", "trigger condition %d requires field and operator", i)
				continue
			}
			if !condition.KnownOperator(rule.Operator) {
				c.errorf(CodeInvalidTriggerCondition, "", "", "trigger condition %d uses unknown operator %q", i, rule.Operator)
			}
		}

	case automation.TriggerTimeBased:
		if cfg.Cron == "" {
			c.errorf(CodeMissingCron, "", "", "time based trigger requires a cron expression")
		} else if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			c.errorf(CodeInvalidCron, "", "", "invalid cron expression %q: %v", cfg.Cron, err)
		}
		if cfg.Timezone != "" {
			if _, err := time.LoadLocation(cfg.Timezone); err != nil {
				c.errorf(CodeInvalidTimezone, "", "", "unknown timezone %q", cfg.Timezone)
			}
		}

	default:
		c.errorf(CodeInvalidTriggerType, "", "", "unknown trigger type %q", triggerType)
	}

	c.result.IsValid = len(c.result.Errors) == 0
	return c.result
}

// ValidateWorkflow validates both the graph and the trigger of a workflow.
func (v *Validator) ValidateWorkflow(wf *automation.Workflow) Result {
	result := v.Validate(&wf.Graph)
	result.Merge(v.ValidateTrigger(wf.TriggerType, wf.TriggerConfig))
	return result
}
