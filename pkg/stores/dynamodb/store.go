// Package dynamodb provides a remote state store backed by a single DynamoDB table.
//
// Every item lives under the string partition key "pk":
//
//	res#<address>      tracked resource
//	pid#<provider id>  reverse index enforcing one address per provider id
//	lock#state         the state lock, expired by the table TTL attribute
//	audit#<ts>#<uuid>  audit trail entries
//
// Mutations run as TransactWriteItems whose first item is a condition check
// on the caller's lock, so a lost lock aborts the write atomically.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

const (
	// AttrKey is the partition key of the state table.
	AttrKey = "pk"

	// AttrTTL is the attribute the table's time-to-live setting reads.
	AttrTTL = "ttl"

	// DefaultTableName is used when Config.Table is empty.
	DefaultTableName = "reconcile-state"

	// DefaultLockTTL bounds how long a crashed run can hold the state lock.
	DefaultLockTTL = 5 * time.Minute

	// PayPerRequestBillingMode avoids provisioning capacity for a low-traffic table.
	PayPerRequestBillingMode = types.BillingModePayPerRequest

	// MaxWaitForTableActive bounds CreateTableIfNecessary.
	MaxWaitForTableActive = 5 * time.Minute

	lockKey = "lock#state"
)

// Condition expressions used by the store.
const (
	condNotExists = "attribute_not_exists(pk)"
	condLockFree  = "attribute_not_exists(pk) OR expires_at <= :now"
	condLockHeld  = "id = :lock AND expires_at > :now"
	condLockID    = "id = :lock"
	condOwnedBy   = "attribute_not_exists(pk) OR address = :addr"
	condAddress   = "address = :addr"
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config holds DynamoDB store settings.
type Config struct {
	Table   string
	LockTTL time.Duration
	Tags    map[string]string
}

// Store implements engine.StateStore and engine.Auditor on DynamoDB.
type Store struct {
	client Client
	table  string
	ttl    time.Duration
	tags   map[string]string
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a store using client. Call CreateTableIfNecessary before first use
// against a fresh account.
func New(client Client, cfg Config, logger zerolog.Logger) *Store {
	if cfg.Table == "" {
		cfg.Table = DefaultTableName
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Store{
		client: client,
		table:  cfg.Table,
		ttl:    cfg.LockTTL,
		tags:   cfg.Tags,
		logger: logger.With().Str("component", "dynamodb-store").Str("table", cfg.Table).Logger(),
		now:    time.Now,
	}
}

// CreateTableIfNecessary creates the state table when it does not exist and
// waits for it to become active.
func (s *Store) CreateTableIfNecessary(ctx context.Context) error {
	exists, err := s.tableExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	s.logger.Info().Msg("State table does not exist in DynamoDB; creating it")

	tags := make([]types.Tag, 0, len(s.tags))
	for k, v := range s.tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	sort.Slice(tags, func(i, j int) bool { return *tags[i].Key < *tags[j].Key })

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(AttrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(AttrKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: PayPerRequestBillingMode,
		Tags:        tags,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create state table %s: %w", s.table, err)
		}
		s.logger.Debug().Msg("State table is being created by another run")
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, MaxWaitForTableActive); err != nil {
		return fmt.Errorf("state table %s did not become active: %w", s.table, err)
	}

	_, err = s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(AttrTTL),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable TTL on state table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context) (bool, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to describe state table %s: %w", s.table, err)
	}
	return out.Table != nil && out.Table.TableStatus == types.TableStatusActive, nil
}

// Read returns the tracked record for address, or nil when untracked.
func (s *Store) Read(ctx context.Context, address string) (*engine.TrackedResource, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(resourceKey(address)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("failed to read tracked resource", err).WithResource(address)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := toTrackedResource(out.Item)
	if err != nil {
		return nil, engine.NewPermanentError("malformed tracked resource item", err).WithResource(address)
	}
	return rec, nil
}

// List returns every tracked record ordered by address.
func (s *Store) List(ctx context.Context) ([]engine.TrackedResource, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		ConsistentRead:   aws.Bool(true),
		FilterExpression: aws.String("begins_with(pk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": str("res#"),
		},
	})

	var records []engine.TrackedResource
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("failed to list tracked resources", err)
		}
		for _, item := range page.Items {
			rec, err := toTrackedResource(item)
			if err != nil {
				return nil, engine.NewPermanentError("malformed tracked resource item", err)
			}
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records, nil
}

// Write records rec under lock in one transaction. Without force an existing
// address fails with AlreadyTrackedError; with force it is replaced.
func (s *Store) Write(ctx context.Context, lock *engine.Lock, rec engine.TrackedResource, force bool) error {
	if rec.Address == "" || rec.ProviderID == "" {
		return engine.NewPermanentWriteError("address and provider id are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if lock == nil {
		return lockNotHeld()
	}

	existing, err := s.Read(ctx, rec.Address)
	if err != nil {
		return err
	}
	if existing != nil && !force {
		return engine.NewAlreadyTrackedError(rec.Address, existing.ProviderID)
	}

	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = s.now().UTC()
	}

	items := []types.TransactWriteItem{s.lockCheck(lock)}
	resPut := &types.Put{
		TableName: aws.String(s.table),
		Item:      fromTrackedResource(rec),
	}
	if existing == nil {
		resPut.ConditionExpression = aws.String(condNotExists)
	} else {
		resPut.ConditionExpression = aws.String("provider_id = :old")
		resPut.ExpressionAttributeValues = map[string]types.AttributeValue{":old": str(existing.ProviderID)}
	}
	items = append(items, types.TransactWriteItem{Put: resPut})

	if existing != nil && existing.ProviderID != rec.ProviderID {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(s.table),
			Key:                       key(providerKey(existing.ProviderID)),
			ConditionExpression:       aws.String(condAddress),
			ExpressionAttributeValues: map[string]types.AttributeValue{":addr": str(rec.Address)},
		}})
	}
	items = append(items, types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			AttrKey:   str(providerKey(rec.ProviderID)),
			"address": str(rec.Address),
		},
		ConditionExpression:       aws.String(condOwnedBy),
		ExpressionAttributeValues: map[string]types.AttributeValue{":addr": str(rec.Address)},
	}})

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	reasons := cancellationReasons(err)
	if reasons == nil {
		return classify("failed to write tracked resource", err).WithResource(rec.Address)
	}
	switch {
	case reasons[0]:
		return lockNotHeld()
	case reasons[1] && existing == nil:
		// Tracked between our read and the transaction.
		return engine.NewAlreadyTrackedError(rec.Address, "")
	case reasons[1]:
		return engine.NewTransientWriteError("tracked resource changed during write", err).WithResource(rec.Address)
	case reasons[len(reasons)-1]:
		owner := s.providerOwner(ctx, rec.ProviderID)
		return engine.NewPermanentWriteError(
			fmt.Sprintf("provider id %s is already tracked at %s", rec.ProviderID, owner), nil).
			WithCode(engine.ErrCodeProviderIDInUse).
			WithResource(rec.Address).
			WithRemediation(fmt.Sprintf("remove %s from state or fix the selector", owner))
	default:
		return engine.NewTransientWriteError("state write was cancelled", err).WithResource(rec.Address)
	}
}

// Remove deletes the record for address under lock.
func (s *Store) Remove(ctx context.Context, lock *engine.Lock, address string) error {
	if lock == nil {
		return lockNotHeld()
	}
	existing, err := s.Read(ctx, address)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{s.lockCheck(lock)}
	if existing != nil {
		items = append(items,
			types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(s.table),
				Key:       key(resourceKey(address)),
			}},
			types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(s.table),
				Key:                       key(providerKey(existing.ProviderID)),
				ConditionExpression:       aws.String(condOwnedBy),
				ExpressionAttributeValues: map[string]types.AttributeValue{":addr": str(address)},
			}},
		)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	if reasons := cancellationReasons(err); reasons != nil && reasons[0] {
		return lockNotHeld()
	}
	return classify("failed to remove tracked resource", err).WithResource(address)
}

// AcquireLock takes the state lock for owner. An expired lock is taken over.
func (s *Store) AcquireLock(ctx context.Context, owner string) (*engine.Lock, error) {
	now := s.now().UTC()
	lock := &engine.Lock{
		ID:         uuid.New().String(),
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			AttrKey:       str(lockKey),
			"id":          str(lock.ID),
			"owner":       str(lock.Owner),
			"acquired_at": str(lock.AcquiredAt.Format(time.RFC3339Nano)),
			"expires_at":  millis(lock.ExpiresAt),
			AttrTTL:       num(lock.ExpiresAt.Unix()),
		},
		ConditionExpression:       aws.String(condLockFree),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": millis(now)},
	})
	if err == nil {
		s.logger.Debug().Str("owner", owner).Str("lock_id", lock.ID).Msg("Acquired state lock")
		return lock, nil
	}

	var failed *types.ConditionalCheckFailedException
	if !errors.As(err, &failed) {
		return nil, classify("failed to acquire state lock", err)
	}
	return nil, s.lockHeld(ctx)
}

// ReleaseLock releases lock. Releasing a lock that was taken over is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, lock *engine.Lock) error {
	if lock == nil {
		return nil
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(lockKey),
		ConditionExpression:       aws.String(condLockID),
		ExpressionAttributeValues: map[string]types.AttributeValue{":lock": str(lock.ID)},
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return nil
		}
		return classify("failed to release state lock", err)
	}
	return nil
}

// RecordAudit appends an audit entry.
func (s *Store) RecordAudit(ctx context.Context, action, actor, target string, details map[string]interface{}) error {
	now := s.now().UTC()
	item := map[string]types.AttributeValue{
		AttrKey:     str(fmt.Sprintf("audit#%s#%s", now.Format(time.RFC3339Nano), uuid.New().String())),
		"action":    str(action),
		"actor":     str(actor),
		"target":    str(target),
		"timestamp": str(now.Format(time.RFC3339Nano)),
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		item["details"] = str(string(data))
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return classify("failed to record audit entry", err)
	}
	return nil
}

func (s *Store) lockCheck(lock *engine.Lock) types.TransactWriteItem {
	return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:           aws.String(s.table),
		Key:                 key(lockKey),
		ConditionExpression: aws.String(condLockHeld),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lock": str(lock.ID),
			":now":  millis(s.now()),
		},
	}}
}

func (s *Store) lockHeld(ctx context.Context) error {
	err := engine.NewTransientWriteError("state lock held by another run", nil).WithCode(engine.ErrCodeLockHeld)
	out, getErr := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(lockKey),
		ConsistentRead: aws.Bool(true),
	})
	if getErr != nil || len(out.Item) == 0 {
		// The lock may have been released since the put failed.
		return err
	}
	owner := attr(out.Item, "owner")
	expires, _ := strconv.ParseInt(numAttr(out.Item, "expires_at"), 10, 64)
	err.Message = fmt.Sprintf("state lock held by %s until %s",
		owner, time.UnixMilli(expires).UTC().Format(time.RFC3339))
	return err.WithDetail("lock_id", attr(out.Item, "id"))
}

func (s *Store) providerOwner(ctx context.Context, providerID string) string {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(providerKey(providerID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil || len(out.Item) == 0 {
		return "another address"
	}
	return attr(out.Item, "address")
}

func lockNotHeld() error {
	return engine.NewPermanentWriteError("state lock not held", nil).
		WithCode(engine.ErrCodeLockNotHeld).
		WithRemediation("acquire the state lock before mutating state")
}

// cancellationReasons reports, per transaction item, whether its condition
// failed. It returns nil when err is not a cancelled transaction.
func cancellationReasons(err error) []bool {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		return nil
	}
	failed := make([]bool, len(cancelled.CancellationReasons))
	for i, r := range cancelled.CancellationReasons {
		failed[i] = aws.ToString(r.Code) == "ConditionalCheckFailed"
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

// classify maps DynamoDB API errors onto the write taxonomy.
func classify(msg string, err error) *engine.EngineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientWriteError(msg, err).WithCode(engine.ErrCodeTimeout)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"RequestLimitExceeded", "LimitExceededException":
			return engine.NewThrottledError(msg, err).WithCode(engine.ErrCodeTransientWrite).WithOperation("write")
		case "InternalServerError", "ServiceUnavailable", "TransactionConflictException",
			"TransactionInProgressException":
			return engine.NewTransientWriteError(msg, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return engine.NewTransientWriteError(msg, err)
		}
	}
	return engine.NewPermanentWriteError(msg, err)
}

func resourceKey(address string) string { return "res#" + address }

func providerKey(id string) string { return "pid#" + id }

func key(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{AttrKey: str(pk)}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func millis(t time.Time) types.AttributeValue {
	return num(t.UnixMilli())
}

func attr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}

func fromTrackedResource(rec engine.TrackedResource) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		AttrKey:       str(resourceKey(rec.Address)),
		"address":     str(rec.Address),
		"provider_id": str(rec.ProviderID),
		"imported_at": str(rec.ImportedAt.UTC().Format(time.RFC3339Nano)),
	}
	if rec.Kind != "" {
		item["kind"] = str(rec.Kind)
	}
	if rec.RunID != "" {
		item["run_id"] = str(rec.RunID)
	}
	return item
}

func toTrackedResource(item map[string]types.AttributeValue) (*engine.TrackedResource, error) {
	address := attr(item, "address")
	if address == "" {
		address = strings.TrimPrefix(attr(item, AttrKey), "res#")
	}
	providerID := attr(item, "provider_id")
	if providerID == "" {
		return nil, fmt.Errorf("item %s has no provider_id", address)
	}
	importedAt, err := time.Parse(time.RFC3339Nano, attr(item, "imported_at"))
	if err != nil {
		return nil, fmt.Errorf("item %s has invalid imported_at: %w", address, err)
	}
	return &engine.TrackedResource{
		Address:    address,
		ProviderID: providerID,
		Kind:       attr(item, "kind"),
		ImportedAt: importedAt,
		RunID:      attr(item, "run_id"),
	}, nil
}

var (
	_ engine.StateStore = (*Store)(nil)
	_ engine.Auditor    = (*Store)(nil)
)
