package engine_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Example_gate shows how a plan is analyzed and gated per environment.
func Example_gate() {
	analyzer := engine.NewAnalyzer(map[string]engine.KindSchema{
		"aws_security_group": {Immutable: []string{"vpc_id"}},
	}, zerolog.Nop())

	plan := &engine.PlanInput{Changes: []engine.ResourceDiff{
		{
			Address: "lb.main",
			Kind:    "aws_lb",
			Current: map[string]interface{}{"name": "app-alb"},
		},
		{
			Address: "sg.web",
			Kind:    "aws_security_group",
			Current: map[string]interface{}{"vpc_id": "vpc-1"},
			Desired: map[string]interface{}{"vpc_id": "vpc-2"},
		},
	}}

	analysis, err := analyzer.Analyze(context.Background(), plan)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, env := range []engine.Environment{engine.EnvironmentTest, engine.EnvironmentProduction} {
		verdict := engine.Evaluate(env, analysis.Risk, nil)
		fmt.Printf("%s: %s\n", env, verdict.Decision)
	}

	token := &engine.OverrideToken{ID: "ovr-42", Approver: "alice", Ticket: "CHG-1234"}
	verdict := engine.Evaluate(engine.EnvironmentProduction, analysis.Risk, token)
	fmt.Println(verdict.Reason)

	// Output:
	// test: allow
	// prod: deny
	// prod: 2 destructive change(s) approved by alice via override ovr-42
}

// Example_errors demonstrates error classification for retry decisions.
func Example_errors() {
	errs := []error{
		engine.NewTransientWriteError("state lock held", nil),
		engine.NewAmbiguousMatchError("sg.ec2", []string{"sg-1", "sg-2"}),
		engine.NewAlreadyTrackedError("lb.main", "arn:lb/1"),
	}

	for _, err := range errs {
		fmt.Printf("retryable=%v ambiguous=%v tracked=%v\n",
			engine.IsRetryable(err), engine.IsAmbiguous(err), engine.IsAlreadyTracked(err))
	}
	fmt.Println(engine.RemediationFor(errs[1]))

	// Output:
	// retryable=true ambiguous=false tracked=false
	// retryable=false ambiguous=true tracked=false
	// retryable=false ambiguous=false tracked=true
	// selector matches multiple resources; narrow the filter
}
