package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/reconcile/pkg/engine"
)

const fixture = `
resources:
  - id: arn:aws:elasticloadbalancing:us-east-1:1:loadbalancer/app/app-alb/1
    kind: aws_lb
    name: app-alb
    tags:
      env: test
  - id: sg-0b2
    kind: aws_security_group
    tags:
      Name: ec2
      env: test
  - id: sg-0a1
    kind: aws_security_group
    tags:
      Name: ec2
      env: prod
`

func TestLoadAndFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderName, p.Name())

	ctx := context.Background()

	lbs, err := p.Find(ctx, "aws_lb", engine.Selector{Name: "app-alb"})
	require.NoError(t, err)
	require.Len(t, lbs, 1)
	assert.Equal(t, "app-alb", lbs[0].Tags["Name"], "name is folded into tags")

	sgs, err := p.Find(ctx, "aws_security_group", engine.Selector{Name: "ec2"})
	require.NoError(t, err)
	require.Len(t, sgs, 2)
	assert.Equal(t, "sg-0a1", sgs[0].ID)
	assert.Equal(t, "ec2", sgs[0].Name)

	sgs, err = p.Find(ctx, "aws_security_group", engine.Selector{Name: "ec2", Tags: map[string]string{"env": "test"}})
	require.NoError(t, err)
	require.Len(t, sgs, 1)
	assert.Equal(t, "sg-0b2", sgs[0].ID)

	none, err := p.Find(ctx, "aws_s3_bucket", engine.Selector{Name: "ec2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("resources:\n  - kind: aws_lb\n"))
	assert.Error(t, err, "id is required")

	_, err = Parse([]byte("resources: [unterminated"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFindErrors(t *testing.T) {
	p := New(Resource{ID: "sg-1", Kind: "aws_security_group", Name: "web"})

	_, err := p.Find(context.Background(), "aws_security_group", engine.Selector{})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Find(ctx, "aws_security_group", engine.Selector{Name: "web"})
	assert.True(t, engine.IsPermanent(err))
}
