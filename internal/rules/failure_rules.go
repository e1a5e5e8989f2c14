// Package rules classifies gateway failure reasons into retry dispositions.
// Some failures are worth retrying on a schedule (wallet empty at collection
// time); others will never succeed no matter how often they are reissued
// (barred account, cancelled mandate) and should terminate the chain at once.
package rules

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Disposition is what the classifier recommends for a failure reason.
type Disposition string

const (
	// DispositionRetry keeps the attempt on the retry schedule.
	DispositionRetry Disposition = "RETRY"

	// DispositionTerminate ends the retry chain immediately.
	DispositionTerminate Disposition = "TERMINATE"
)

// Rule matches a class of gateway failure reasons. Higher priority rules are
// evaluated first; the first enabled match wins.
type Rule struct {
	Name        string
	Priority    int
	Enabled     bool
	Matches     func(reason string) bool
	Disposition Disposition
}

// Classifier holds the ordered rule set.
type Classifier struct {
	rules  []*Rule
	logger *zap.Logger
}

// NewClassifier creates a classifier preloaded with the reason codes the
// mobile-money gateways report today.
func NewClassifier(logger *zap.Logger) *Classifier {
	c := &Classifier{logger: logger}
	for _, r := range defaultRules() {
		c.AddRule(r)
	}
	return c
}

// AddRule registers a rule, keeping the set ordered by priority.
func (c *Classifier) AddRule(rule *Rule) {
	c.rules = append(c.rules, rule)
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Priority > c.rules[j].Priority
	})
}

// Classify returns the disposition for a failure reason. Unknown reasons are
// retried; terminating a chain we could have collected costs real money,
// retrying a hopeless one only costs a gateway call.
func (c *Classifier) Classify(reason string) Disposition {
	for _, rule := range c.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Matches(reason) {
			c.logger.Debug("failure classified",
				zap.String("reason", reason),
				zap.String("rule", rule.Name),
				zap.String("disposition", string(rule.Disposition)))
			return rule.Disposition
		}
	}
	return DispositionRetry
}

// Rules returns the registered rule set in evaluation order.
func (c *Classifier) Rules() []*Rule {
	return c.rules
}

func reasonContainsAny(codes ...string) func(string) bool {
	return func(reason string) bool {
		upper := strings.ToUpper(reason)
		for _, code := range codes {
			if strings.Contains(upper, code) {
				return true
			}
		}
		return false
	}
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			Name:        "permanent-subscriber-failure",
			Priority:    100,
			Enabled:     true,
			Matches:     reasonContainsAny("INVALID_MSISDN", "UNREGISTERED", "ACCOUNT_BARRED", "ACCOUNT_CLOSED"),
			Disposition: DispositionTerminate,
		},
		{
			Name:        "mandate-revoked",
			Priority:    90,
			Enabled:     true,
			Matches:     reasonContainsAny("MANDATE_CANCELLED", "MANDATE_EXPIRED", "AUTHORIZATION_REVOKED"),
			Disposition: DispositionTerminate,
		},
		{
			Name:        "insufficient-balance",
			Priority:    50,
			Enabled:     true,
			Matches:     reasonContainsAny("INSUFFICIENT_FUNDS", "LOW_BALANCE", "LIMIT_EXCEEDED"),
			Disposition: DispositionRetry,
		},
		{
			Name:        "transient-gateway-failure",
			Priority:    40,
			Enabled:     true,
			Matches:     reasonContainsAny("TIMEOUT", "DECLINED_BY_USER", "PENDING_EXPIRED"),
			Disposition: DispositionRetry,
		},
	}
}
