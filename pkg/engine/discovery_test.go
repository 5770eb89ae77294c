package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDiscoverer_Discover(t *testing.T) {
	tests := []struct {
		name       string
		resources  []ProviderResource
		entry      CatalogEntry
		wantStatus DiscoveryStatus
		wantIDs    []string
	}{
		{
			name:       "not found",
			resources:  []ProviderResource{sgResource("sg-1")},
			entry:      lbEntry(),
			wantStatus: DiscoveryNotFound,
			wantIDs:    []string{},
		},
		{
			name:       "single match",
			resources:  []ProviderResource{albResource("arn:lb/app-alb/1"), sgResource("sg-1")},
			entry:      lbEntry(),
			wantStatus: DiscoveryMatch,
			wantIDs:    []string{"arn:lb/app-alb/1"},
		},
		{
			name:       "ambiguous sorted",
			resources:  []ProviderResource{sgResource("sg-b"), sgResource("sg-a")},
			entry:      sgEntry(),
			wantStatus: DiscoveryAmbiguous,
			wantIDs:    []string{"sg-a", "sg-b"},
		},
		{
			name:       "duplicate ids collapse",
			resources:  []ProviderResource{sgResource("sg-a"), sgResource("sg-a")},
			entry:      sgEntry(),
			wantStatus: DiscoveryMatch,
			wantIDs:    []string{"sg-a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDiscoverer(newMockProvider(tt.resources...), nil, testPolicy(nil), zerolog.Nop())
			result, attempts, err := d.Discover(context.Background(), tt.entry)
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			if result.Status() != tt.wantStatus {
				t.Errorf("Status = %s, want %s", result.Status(), tt.wantStatus)
			}
			if !reflect.DeepEqual(result.Candidates, tt.wantIDs) {
				t.Errorf("Candidates = %v, want %v", result.Candidates, tt.wantIDs)
			}
			if len(attempts) != 1 || attempts[0].Outcome != AttemptSuccess {
				t.Errorf("Expected one successful attempt, got %+v", attempts)
			}
		})
	}
}

func TestDiscoverer_DeterministicAcrossOrderings(t *testing.T) {
	a, b, c := sgResource("sg-3"), sgResource("sg-1"), sgResource("sg-2")
	orders := [][]ProviderResource{{a, b, c}, {c, b, a}, {b, a, c}}

	var first []string
	for i, order := range orders {
		d := NewDiscoverer(newMockProvider(order...), nil, testPolicy(nil), zerolog.Nop())
		result, _, err := d.Discover(context.Background(), sgEntry())
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if i == 0 {
			first = result.Candidates
			continue
		}
		if !reflect.DeepEqual(result.Candidates, first) {
			t.Errorf("Ordering %d produced %v, want %v", i, result.Candidates, first)
		}
	}
}

func TestDiscoverer_InvalidSelector(t *testing.T) {
	provider := newMockProvider(sgResource("sg-1"))
	d := NewDiscoverer(provider, nil, testPolicy(nil), zerolog.Nop())

	entry := CatalogEntry{Address: "sg.any", Kind: "aws_security_group"}
	_, _, err := d.Discover(context.Background(), entry)
	if !IsPermanent(err) {
		t.Fatalf("Expected a permanent error, got %v", err)
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected VALIDATION_ERROR, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("Invalid selector should not reach the provider, got %d calls", provider.callCount())
	}
}

func TestDiscoverer_RetriesTransientQuery(t *testing.T) {
	provider := newMockProvider(albResource("arn:lb/1"))
	provider.errs = []error{NewTransientQueryError("connection reset", errors.New("EOF"))}

	obs := newCountingObserver()
	d := NewDiscoverer(provider, nil, testPolicy(nil), zerolog.Nop()).WithObserver(obs)
	result, attempts, err := d.Discover(context.Background(), lbEntry())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if result.Status() != DiscoveryMatch {
		t.Errorf("Status = %s, want match", result.Status())
	}
	if len(attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Outcome != AttemptTransientFailure || attempts[1].Outcome != AttemptSuccess {
		t.Errorf("Unexpected attempt outcomes: %s, %s", attempts[0].Outcome, attempts[1].Outcome)
	}
	if obs.queries != 2 {
		t.Errorf("Expected 2 observed queries, got %d", obs.queries)
	}
}

func TestDiscoverer_MatchPredicate(t *testing.T) {
	blue := sgResource("sg-blue")
	blue.Tags = map[string]string{"Name": "ec2", "color": "blue"}
	green := sgResource("sg-green")
	green.Tags = map[string]string{"Name": "ec2", "color": "green"}

	matcher := &mockMatcher{fn: func(expr string, r ProviderResource) (bool, error) {
		return r.Tags["color"] == strings.TrimPrefix(expr, "color=="), nil
	}}

	entry := sgEntry()
	entry.Selector.Match = "color==green"

	d := NewDiscoverer(newMockProvider(blue, green), matcher, testPolicy(nil), zerolog.Nop())
	result, _, err := d.Discover(context.Background(), entry)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if id, ok := result.Match(); !ok || id != "sg-green" {
		t.Errorf("Expected match sg-green, got %v", result.Candidates)
	}

	d = NewDiscoverer(newMockProvider(blue, green), nil, testPolicy(nil), zerolog.Nop())
	if _, _, err := d.Discover(context.Background(), entry); !IsPermanent(err) {
		t.Errorf("Expected permanent error without an evaluator, got %v", err)
	}
}
