package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sankofapay/installment-engine/internal/rules"
)

func TestClassify_DefaultRules(t *testing.T) {
	c := rules.NewClassifier(zap.NewNop())

	cases := []struct {
		reason string
		want   rules.Disposition
	}{
		{"INSUFFICIENT_FUNDS", rules.DispositionRetry},
		{"insufficient_funds", rules.DispositionRetry},
		{"TIMEOUT", rules.DispositionRetry},
		{"DECLINED_BY_USER", rules.DispositionRetry},
		{"INVALID_MSISDN", rules.DispositionTerminate},
		{"ACCOUNT_BARRED", rules.DispositionTerminate},
		{"MANDATE_CANCELLED", rules.DispositionTerminate},
		{"gateway reported: MANDATE_EXPIRED for subscriber", rules.DispositionTerminate},
		{"SOMETHING_NEW", rules.DispositionRetry},
		{"", rules.DispositionRetry},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.reason), "reason %q", tc.reason)
	}
}

func TestClassify_PriorityOrder(t *testing.T) {
	c := rules.NewClassifier(zap.NewNop())

	// A custom high-priority rule overrides the stock classification.
	c.AddRule(&rules.Rule{
		Name:        "pilot-override",
		Priority:    200,
		Enabled:     true,
		Matches:     func(reason string) bool { return reason == "INSUFFICIENT_FUNDS" },
		Disposition: rules.DispositionTerminate,
	})

	assert.Equal(t, rules.DispositionTerminate, c.Classify("INSUFFICIENT_FUNDS"))
	assert.Equal(t, rules.DispositionRetry, c.Classify("LOW_BALANCE"))
}

func TestClassify_DisabledRuleSkipped(t *testing.T) {
	c := rules.NewClassifier(zap.NewNop())
	for _, r := range c.Rules() {
		if r.Name == "permanent-subscriber-failure" {
			r.Enabled = false
		}
	}
	assert.Equal(t, rules.DispositionRetry, c.Classify("INVALID_MSISDN"))
}
