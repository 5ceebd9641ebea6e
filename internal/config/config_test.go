package config

import "testing"

func TestApplyDefaultsFillsRoutingAndThreshold(t *testing.T) {
	c := &Config{ConfigPath: "/tmp/x.yaml"}
	c.ApplyDefaults()
	if c.ReadyThresholdMs != 10_000 {
		t.Fatalf("ReadyThresholdMs = %d, want 10000", c.ReadyThresholdMs)
	}
	if len(c.NotificationRouting.Urgent) == 0 {
		t.Fatalf("expected default urgent routing to be filled in")
	}
}

func TestApplyDefaultsPreservesExplicitRouting(t *testing.T) {
	c := &Config{ConfigPath: "/tmp/x.yaml", NotificationRouting: NotificationRouting{Urgent: []string{"pagerduty"}}}
	c.ApplyDefaults()
	if len(c.NotificationRouting.Urgent) != 1 || c.NotificationRouting.Urgent[0] != "pagerduty" {
		t.Fatalf("explicit urgent routing was overwritten: %v", c.NotificationRouting.Urgent)
	}
}

func TestReactionRuleValidateRequiresExactlyOneEscalationSchema(t *testing.T) {
	retries := 2
	cases := []struct {
		name string
		rule ReactionRule
		ok   bool
	}{
		{"neither", ReactionRule{Auto: true, Action: "send-to-agent"}, false},
		{"both", ReactionRule{Auto: true, Action: "send-to-agent", EscalateAfter: "30m", Retries: &retries}, false},
		{"escalateAfter only", ReactionRule{Auto: true, Action: "send-to-agent", EscalateAfter: "30m"}, true},
		{"retries only", ReactionRule{Auto: true, Action: "send-to-agent", Retries: &retries}, true},
		{"manual needs neither", ReactionRule{Auto: false, Action: "notify"}, true},
	}
	for _, tc := range cases {
		err := tc.rule.Validate("ci-failed")
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected an error, got nil", tc.name)
		}
	}
}

func TestReactionRuleValidateRejectsUnknownEvent(t *testing.T) {
	if err := (ReactionRule{}).Validate("bogus-event"); err == nil {
		t.Fatal("expected unknown event to be rejected")
	}
}

func TestReactionsForMergesProjectOverride(t *testing.T) {
	c := &Config{
		Reactions: map[string]ReactionRule{"ci-failed": {Auto: true, Action: "notify", Priority: "warning"}},
		Projects: map[string]ProjectConfig{
			"proj": {Path: "/x", Reactions: map[string]ReactionRule{"ci-failed": {Auto: true, Action: "notify", Priority: "urgent"}}},
		},
	}
	merged := c.ReactionsFor("proj")
	if merged["ci-failed"].Priority != "urgent" {
		t.Fatalf("expected project override to win, got %q", merged["ci-failed"].Priority)
	}
}

func TestValidateRequiresProjectPath(t *testing.T) {
	c := &Config{ConfigPath: "/tmp/x.yaml", Projects: map[string]ProjectConfig{"p": {}}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing project path to fail validation")
	}
}
