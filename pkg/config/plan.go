package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Plan encodings accepted by DecodePlan.
const (
	PlanFormatNative    = "native"
	PlanFormatTerraform = "terraform"
)

// DefaultNoRefreshArg is appended to a plan command when refresh is skipped.
const DefaultNoRefreshArg = "-refresh=false"

type planProbe struct {
	FormatVersion   string          `json:"format_version"`
	ResourceChanges json.RawMessage `json:"resource_changes"`
}

// terraformPlan is the subset of `terraform show -json` output the analyzer needs.
type terraformPlan struct {
	FormatVersion   string                    `json:"format_version"`
	ResourceChanges []terraformResourceChange `json:"resource_changes"`
}

type terraformResourceChange struct {
	Address      string          `json:"address"`
	Mode         string          `json:"mode"`
	Type         string          `json:"type"`
	ActionReason string          `json:"action_reason,omitempty"`
	Change       terraformChange `json:"change"`
}

type terraformChange struct {
	Actions      []string               `json:"actions"`
	Before       map[string]interface{} `json:"before"`
	After        map[string]interface{} `json:"after"`
	ReplacePaths [][]interface{}        `json:"replace_paths,omitempty"`
}

// DetectPlanFormat reports which encoding data uses.
func DetectPlanFormat(data []byte) (string, error) {
	var probe planProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if probe.FormatVersion != "" || len(probe.ResourceChanges) > 0 {
		return PlanFormatTerraform, nil
	}
	return PlanFormatNative, nil
}

// DecodePlan decodes a native `{"changes": [...]}` document or a Terraform
// `show -json` plan into the analyzer input.
func DecodePlan(data []byte) (*engine.PlanInput, error) {
	format, err := DetectPlanFormat(data)
	if err != nil {
		return nil, err
	}

	if format == PlanFormatNative {
		var plan engine.PlanInput
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
		for i, c := range plan.Changes {
			if c.Address == "" {
				return nil, fmt.Errorf("plan change %d has no address", i)
			}
		}
		return &plan, nil
	}

	var tf terraformPlan
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to decode terraform plan: %w", err)
	}
	return fromTerraform(&tf)
}

func fromTerraform(tf *terraformPlan) (*engine.PlanInput, error) {
	plan := &engine.PlanInput{
		Source:  "terraform/" + tf.FormatVersion,
		Changes: make([]engine.ResourceDiff, 0, len(tf.ResourceChanges)),
	}

	for _, rc := range tf.ResourceChanges {
		if rc.Mode == "data" {
			continue
		}
		if rc.Address == "" {
			return nil, fmt.Errorf("terraform resource change has no address")
		}

		diff := engine.ResourceDiff{Address: rc.Address, Kind: rc.Type}
		before, after := orEmpty(rc.Change.Before), orEmpty(rc.Change.After)

		switch actions := strings.Join(rc.Change.Actions, ","); actions {
		case "no-op", "read":
			diff.Current, diff.Desired = before, before
		case "create":
			diff.Desired = after
		case "delete":
			diff.Current = before
		case "update":
			diff.Current, diff.Desired = before, after
		case "delete,create", "create,delete":
			diff.Current, diff.Desired = before, after
			diff.ForceReplace = true
			diff.ReplacePaths = replacePaths(rc.Change.ReplacePaths)
		default:
			return nil, fmt.Errorf("%s: unsupported terraform actions %q", rc.Address, actions)
		}
		plan.Changes = append(plan.Changes, diff)
	}
	return plan, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// replacePaths converts Terraform attribute paths to dotted form. Paths stop
// at the first list index since lists compare as whole values.
func replacePaths(paths [][]interface{}) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		var parts []string
		for _, step := range p {
			s, ok := step.(string)
			if !ok {
				break
			}
			parts = append(parts, s)
		}
		if len(parts) > 0 {
			out = append(out, strings.Join(parts, "."))
		}
	}
	return out
}

// FilePlanSource reads a pre-produced plan file. Refresh is the producer's
// concern and is ignored.
type FilePlanSource struct {
	Path string
}

// LoadPlan implements engine.PlanSource.
func (s *FilePlanSource) LoadPlan(_ context.Context, _ engine.PlanRequest) (*engine.PlanInput, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", s.Path, err)
	}
	plan, err := DecodePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", s.Path, err)
	}
	if plan.Source == "" {
		plan.Source = s.Path
	}
	return plan, nil
}

// ExecPlanSource runs a plan producer command and decodes its stdout. The
// command receives RECONCILE_ENVIRONMENT and RECONCILE_REFRESH in its
// environment; NoRefreshArg is appended when refresh is skipped.
type ExecPlanSource struct {
	Command      string
	Dir          string
	NoRefreshArg string
	Logger       zerolog.Logger
}

// NewExecPlanSource creates a command-backed plan source.
func NewExecPlanSource(command string, logger zerolog.Logger) *ExecPlanSource {
	return &ExecPlanSource{
		Command:      command,
		NoRefreshArg: DefaultNoRefreshArg,
		Logger:       logger.With().Str("component", "plan-source").Logger(),
	}
}

// LoadPlan implements engine.PlanSource.
func (s *ExecPlanSource) LoadPlan(ctx context.Context, req engine.PlanRequest) (*engine.PlanInput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(s.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("plan command is empty")
	}
	if !req.Refresh && s.NoRefreshArg != "" {
		args = append(args, s.NoRefreshArg)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = s.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"RECONCILE_ENVIRONMENT="+string(req.Environment),
		"RECONCILE_REFRESH="+strconv.FormatBool(req.Refresh),
	)

	s.Logger.Info().Strs("args", args).Bool("refresh", req.Refresh).Msg("Running plan command")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("plan command %q failed: %w: %s", args[0], err, strings.TrimSpace(lastLines(stderr.String(), 5)))
	}

	plan, err := DecodePlan(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("plan command %q: %w", args[0], err)
	}
	if plan.Source == "" {
		plan.Source = args[0]
	}
	return plan, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var (
	_ engine.PlanSource = (*FilePlanSource)(nil)
	_ engine.PlanSource = (*ExecPlanSource)(nil)
)
