package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// fakeClient is an in-memory table that understands the store's condition expressions.
type fakeClient struct {
	mu         sync.Mutex
	exists     bool
	ttlEnabled bool
	creates    int
	items      map[string]map[string]types.AttributeValue
}

func newFakeClient() *fakeClient {
	return &fakeClient{exists: true, items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeClient) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeClient) CreateTable(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.exists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeClient) UpdateTimeToLive(_ context.Context, in *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttlEnabled = aws.ToString(in.TimeToLiveSpecification.AttributeName) == AttrTTL &&
		aws.ToBool(in.TimeToLiveSpecification.Enabled)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[pkOf(in.Key)])}, nil
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := pkOf(in.Item)
	if !evaluate(aws.ToString(in.ConditionExpression), f.items[pk], in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	f.items[pk] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := pkOf(in.Key)
	if !evaluate(aws.ToString(in.ConditionExpression), f.items[pk], in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	delete(f.items, pk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false
	for i, item := range in.TransactItems {
		var (
			pk   string
			cond string
			vals map[string]types.AttributeValue
		)
		switch {
		case item.ConditionCheck != nil:
			pk, cond, vals = pkOf(item.ConditionCheck.Key), aws.ToString(item.ConditionCheck.ConditionExpression), item.ConditionCheck.ExpressionAttributeValues
		case item.Put != nil:
			pk, cond, vals = pkOf(item.Put.Item), aws.ToString(item.Put.ConditionExpression), item.Put.ExpressionAttributeValues
		case item.Delete != nil:
			pk, cond, vals = pkOf(item.Delete.Key), aws.ToString(item.Delete.ConditionExpression), item.Delete.ExpressionAttributeValues
		}
		reasons[i].Code = aws.String("None")
		if !evaluate(cond, f.items[pk], vals) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			cancelled = true
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			f.items[pkOf(item.Put.Item)] = copyItem(item.Put.Item)
		case item.Delete != nil:
			delete(f.items, pkOf(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeClient) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := sval(in.ExpressionAttributeValues, ":prefix")
	keys := make([]string, 0, len(f.items))
	for pk := range f.items {
		if strings.HasPrefix(pk, prefix) {
			keys = append(keys, pk)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := &dynamodb.ScanOutput{}
	for _, pk := range keys {
		out.Items = append(out.Items, copyItem(f.items[pk]))
	}
	return out, nil
}

func (f *fakeClient) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for pk := range f.items {
		if strings.HasPrefix(pk, prefix) {
			n++
		}
	}
	return n
}

func evaluate(cond string, item, vals map[string]types.AttributeValue) bool {
	switch cond {
	case "":
		return true
	case condNotExists:
		return item == nil
	case condLockFree:
		return item == nil || nval(item, "expires_at") <= nval(vals, ":now")
	case condLockHeld:
		return item != nil && sval(item, "id") == sval(vals, ":lock") && nval(item, "expires_at") > nval(vals, ":now")
	case condLockID:
		return item != nil && sval(item, "id") == sval(vals, ":lock")
	case condOwnedBy:
		return item == nil || sval(item, "address") == sval(vals, ":addr")
	case condAddress:
		return item != nil && sval(item, "address") == sval(vals, ":addr")
	case "provider_id = :old":
		return item != nil && sval(item, "provider_id") == sval(vals, ":old")
	default:
		panic(fmt.Sprintf("fake client does not understand condition %q", cond))
	}
}

func pkOf(item map[string]types.AttributeValue) string { return sval(item, AttrKey) }

func sval(item map[string]types.AttributeValue, name string) string { return attr(item, name) }

func nval(item map[string]types.AttributeValue, name string) int64 {
	n, _ := strconv.ParseInt(numAttr(item, name), 10, 64)
	return n
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *fakeClient, *clock) {
	t.Helper()
	client := newFakeClient()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(client, Config{Table: "state-test"}, zerolog.Nop())
	s.now = c.now
	return s, client, c
}

func TestCreateTableIfNecessary(t *testing.T) {
	client := newFakeClient()
	client.exists = false
	s := New(client, Config{}, zerolog.Nop())

	require.NoError(t, s.CreateTableIfNecessary(context.Background()))
	assert.Equal(t, 1, client.creates)
	assert.True(t, client.ttlEnabled, "TTL should be enabled on the lock expiry attribute")
	assert.Equal(t, DefaultTableName, s.table)

	require.NoError(t, s.CreateTableIfNecessary(context.Background()))
	assert.Equal(t, 1, client.creates, "existing table must not be recreated")
}

func TestWriteReadList(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	rec, err := s.Read(ctx, "lb.main")
	require.NoError(t, err)
	assert.Nil(t, rec)

	lock, err := s.AcquireLock(ctx, "ci")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{
		Address: "sg.web", ProviderID: "sg-1", Kind: "aws_security_group", RunID: "run-1",
	}, false))
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{
		Address: "lb.main", ProviderID: "arn:lb/1", Kind: "aws_lb", RunID: "run-1",
	}, false))
	require.NoError(t, s.ReleaseLock(ctx, lock))

	rec, err = s.Read(ctx, "lb.main")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "arn:lb/1", rec.ProviderID)
	assert.Equal(t, "aws_lb", rec.Kind)
	assert.Equal(t, "run-1", rec.RunID)
	assert.False(t, rec.ImportedAt.IsZero())

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "lb.main", all[0].Address)
	assert.Equal(t, "sg.web", all[1].Address)
}

func TestWriteAlreadyTracked(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	lock, err := s.AcquireLock(ctx, "ci")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false))

	err = s.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/2"}, false)
	assert.True(t, engine.IsAlreadyTracked(err), "got %v", err)

	rec, err := s.Read(ctx, "lb.main")
	require.NoError(t, err)
	assert.Equal(t, "arn:lb/1", rec.ProviderID)
}

func TestWriteForceMovesProviderIndex(t *testing.T) {
	ctx := context.Background()
	s, client, _ := newTestStore(t)

	lock, err := s.AcquireLock(ctx, "ci")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false))
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/2"}, true))

	rec, err := s.Read(ctx, "lb.main")
	require.NoError(t, err)
	assert.Equal(t, "arn:lb/2", rec.ProviderID)
	assert.Equal(t, 1, client.countPrefix("pid#"), "old provider index must be removed")

	// The released provider id may be claimed by another address.
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{Address: "lb.old", ProviderID: "arn:lb/1"}, false))
}

func TestWriteProviderIDInUse(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	lock, err := s.AcquireLock(ctx, "ci")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{Address: "sg.a", ProviderID: "sg-1"}, false))

	err = s.Write(ctx, lock, engine.TrackedResource{Address: "sg.b", ProviderID: "sg-1"}, false)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeProviderIDInUse), "got %v", err)
	assert.False(t, engine.IsRetryable(err))
	assert.Contains(t, err.Error(), "sg.a")

	rec, err := s.Read(ctx, "sg.b")
	require.NoError(t, err)
	assert.Nil(t, rec, "rejected write must leave no record")
}

func TestLocking(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)

	first, err := s.AcquireLock(ctx, "run-a")
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, "run-b")
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeLockHeld))
	assert.Contains(t, err.Error(), "run-a")

	c.t = c.t.Add(DefaultLockTTL + time.Second)
	second, err := s.AcquireLock(ctx, "run-b")
	require.NoError(t, err, "expired lock should be taken over")

	err = s.Write(ctx, first, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false)
	assert.True(t, engine.HasCode(err, engine.ErrCodeLockNotHeld), "got %v", err)

	err = s.Write(ctx, nil, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false)
	assert.True(t, engine.HasCode(err, engine.ErrCodeLockNotHeld), "got %v", err)

	require.NoError(t, s.ReleaseLock(ctx, first), "releasing a taken-over lock is a no-op")
	require.NoError(t, s.Write(ctx, second, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false))
	require.NoError(t, s.ReleaseLock(ctx, second))

	_, err = s.AcquireLock(ctx, "run-c")
	require.NoError(t, err)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, client, _ := newTestStore(t)

	lock, err := s.AcquireLock(ctx, "ci")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, lock, engine.TrackedResource{Address: "sg.web", ProviderID: "sg-1"}, false))
	require.NoError(t, s.Remove(ctx, lock, "sg.web"))
	require.NoError(t, s.Remove(ctx, lock, "sg.missing"), "removing an untracked address is not an error")

	rec, err := s.Read(ctx, "sg.web")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, client.countPrefix("pid#"))

	assert.True(t, engine.HasCode(s.Remove(ctx, nil, "sg.web"), engine.ErrCodeLockNotHeld))
}

func TestRecordAudit(t *testing.T) {
	s, client, _ := newTestStore(t)

	err := s.RecordAudit(context.Background(), "import", "ci", "lb.main", map[string]interface{}{"provider_id": "arn:lb/1"})
	require.NoError(t, err)
	require.NoError(t, s.RecordAudit(context.Background(), "gate", "alice", "prod", nil))
	assert.Equal(t, 2, client.countPrefix("audit#"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, true},
		{"capacity", &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}, true},
		{"server fault", &smithy.GenericAPIError{Code: "Boom", Fault: smithy.FaultServer}, true},
		{"timeout", context.DeadlineExceeded, true},
		{"missing table", &types.ResourceNotFoundException{Message: aws.String("no table")}, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.retryable, engine.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
