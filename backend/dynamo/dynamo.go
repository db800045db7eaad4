// Package dynamo provides a DynamoDB backend.
//
// A scope buffers every mutation as a TransactWriteItem and issues a single
// TransactWriteItems call on Commit, so a batch is applied all-or-nothing by
// DynamoDB itself. Rollback discards the buffer. Identifiers for inserts are
// generated client-side (UUIDs), so dependents receive them before commit.
//
// Unique columns are enforced with claim items in a separate table, keyed by
// a hash of table, column and value, written in the same transaction.
//
// Conditional failures surface at Commit, mapped to backend.ErrDuplicateKey
// for puts and claims and backend.ErrNotFound for updates and deletes.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/tessera/backend"
	"github.com/jacentio/tessera/internal/keyhash"
)

// MaxTransactItems is DynamoDB's limit on items per TransactWriteItems call.
const MaxTransactItems = 100

// ErrItemTouchedTwice is returned when one transaction would write the same
// item twice, which TransactWriteItems rejects.
var ErrItemTouchedTwice = errors.New("tessera: item written twice in one DynamoDB transaction")

// API is the subset of the DynamoDB client used by the backend.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config holds configuration for the backend.
type Config struct {
	// TablePrefix is prepended to every mutation's table name.
	// Default: "" (no prefix)
	TablePrefix string

	// IDAttribute is the partition key attribute of every table.
	// Default: "id"
	IDAttribute string

	// MaxItems caps the items per transaction, unique claims included.
	// Default and max: 100
	MaxItems int

	// UniqueTable holds unique-value claims. It is not prefixed.
	// Default: "tessera_unique_constraints"
	UniqueTable string

	// Unique lists the unique columns of each (unprefixed) table.
	Unique map[string][]string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		IDAttribute: "id",
		MaxItems:    MaxTransactItems,
		UniqueTable: "tessera_unique_constraints",
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.IDAttribute == "" {
		c.IDAttribute = "id"
	}
	if c.MaxItems < 1 || c.MaxItems > MaxTransactItems {
		c.MaxItems = MaxTransactItems
	}
	if c.UniqueTable == "" {
		c.UniqueTable = "tessera_unique_constraints"
	}
}

// Backend opens buffered DynamoDB transaction scopes.
type Backend struct {
	client API
	config Config
	newID  func() string
}

// New creates a new Backend.
func New(client API, config Config) *Backend {
	config.validate()
	return &Backend{
		client: client,
		config: config,
		newID:  uuid.NewString,
	}
}

// Begin opens a scope. No write reaches DynamoDB until Commit.
func (b *Backend) Begin(ctx context.Context) (backend.Scope, error) {
	return &scope{
		backend: b,
		touched: make(map[string]bool),
	}, nil
}

func (b *Backend) tableName(table string) string {
	return b.config.TablePrefix + table
}

type itemRole int

const (
	roleRow itemRole = iota
	roleClaim
	roleRelease
)

type itemInfo struct {
	op    backend.Op
	role  itemRole
	label string
}

type scope struct {
	backend *Backend
	items   []types.TransactWriteItem
	infos   []itemInfo

	// touched maps item refs written in this transaction to whether the
	// write was a unique claim.
	touched map[string]bool
	done    bool
}

func (s *scope) add(ref string, claim bool, item types.TransactWriteItem, info itemInfo) error {
	if wasClaim, dup := s.touched[ref]; dup {
		if claim && wasClaim {
			return fmt.Errorf("%w: %s", backend.ErrDuplicateKey, info.label)
		}
		return fmt.Errorf("%w: %s", ErrItemTouchedTwice, info.label)
	}
	if len(s.items) >= s.backend.config.MaxItems {
		return fmt.Errorf("%w: limit %d", backend.ErrTooManyMutations, s.backend.config.MaxItems)
	}
	s.touched[ref] = claim
	s.items = append(s.items, item)
	s.infos = append(s.infos, info)
	return nil
}

func (s *scope) Apply(ctx context.Context, m backend.Mutation) (backend.Result, error) {
	if s.done {
		return backend.Result{}, backend.ErrScopeClosed
	}

	switch m.Op {
	case backend.OpInsert:
		return s.insert(m)
	case backend.OpUpdate, backend.OpDelete:
		return backend.Result{}, s.modify(ctx, m)
	default:
		return backend.Result{}, fmt.Errorf("dynamo: unsupported op %s", m.Op)
	}
}

func (s *scope) insert(m backend.Mutation) (backend.Result, error) {
	idAttr := s.backend.config.IDAttribute

	values := make(map[string]any, len(m.Values)+len(m.Key))
	for k, v := range m.Values {
		values[k] = v
	}
	for k, v := range m.Key {
		values[k] = v
	}

	var generated any
	id, ok := values[idAttr]
	if !ok || id == nil {
		id = s.backend.newID()
		values[idAttr] = id
		generated = id
	}

	av, err := attributevalue.MarshalMap(values)
	if err != nil {
		return backend.Result{}, fmt.Errorf("marshal item: %w", err)
	}
	ref := fmt.Sprintf("%s#%v", m.Table, id)
	err = s.add(ref, false, types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(s.backend.tableName(m.Table)),
			Item:                     av,
			ConditionExpression:      aws.String("attribute_not_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": idAttr},
		},
	}, itemInfo{op: m.Op, role: roleRow, label: ref})
	if err != nil {
		return backend.Result{}, err
	}

	for _, column := range s.backend.config.Unique[m.Table] {
		if v, ok := values[column]; ok && v != nil {
			if err := s.claim(m.Table, column, v, id); err != nil {
				return backend.Result{}, err
			}
		}
	}
	return backend.Result{Generated: generated}, nil
}

func (s *scope) modify(ctx context.Context, m backend.Mutation) error {
	idAttr := s.backend.config.IDAttribute
	id, ok := backend.RowID(m, idAttr)
	if !ok {
		return fmt.Errorf("dynamo: %s on %s without %s", m.Op, m.Table, idAttr)
	}
	key, err := attributevalue.MarshalMap(map[string]any{idAttr: id})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	ref := fmt.Sprintf("%s#%v", m.Table, id)

	var item types.TransactWriteItem
	if m.Op == backend.OpDelete {
		item = types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                aws.String(s.backend.tableName(m.Table)),
				Key:                      key,
				ConditionExpression:      aws.String("attribute_exists(#id)"),
				ExpressionAttributeNames: map[string]string{"#id": idAttr},
			},
		}
	} else {
		item, err = s.updateItem(m, key)
		if err != nil {
			return err
		}
	}
	if err := s.add(ref, false, item, itemInfo{op: m.Op, role: roleRow, label: ref}); err != nil {
		return err
	}

	columns := s.uniqueColumnsTouched(m)
	if len(columns) == 0 {
		return nil
	}
	current, err := s.current(ctx, m.Table, key)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, ref)
	}

	for _, column := range columns {
		oldV := current[column]
		newV := m.Values[column]
		if m.Op == backend.OpUpdate && oldV != nil && newV != nil && fmt.Sprint(oldV) == fmt.Sprint(newV) {
			continue
		}
		if oldV != nil {
			if err := s.release(m.Table, column, oldV, id); err != nil {
				return err
			}
		}
		if m.Op == backend.OpUpdate && newV != nil {
			if err := s.claim(m.Table, column, newV, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// uniqueColumnsTouched returns the unique columns whose claims m affects:
// all of them for deletes, the written ones for updates.
func (s *scope) uniqueColumnsTouched(m backend.Mutation) []string {
	unique := s.backend.config.Unique[m.Table]
	if m.Op == backend.OpDelete {
		return unique
	}
	var out []string
	for _, column := range unique {
		if _, ok := m.Values[column]; ok {
			out = append(out, column)
		}
	}
	return out
}

func (s *scope) current(ctx context.Context, table string, key map[string]types.AttributeValue) (map[string]any, error) {
	out, err := s.backend.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.backend.tableName(table)),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var item map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return item, nil
}

func (s *scope) claim(table, column string, value, owner any) error {
	pk := keyhash.UniqueConstraintPK(table, column, value)
	item, err := attributevalue.MarshalMap(map[string]any{
		"pk":     pk,
		"table":  table,
		"column": column,
		"owner":  owner,
	})
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	label := fmt.Sprintf("%s.%s=%v", table, column, value)
	return s.add("unique#"+pk, true, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.backend.config.UniqueTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}, itemInfo{op: backend.OpInsert, role: roleClaim, label: label})
}

func (s *scope) release(table, column string, value, owner any) error {
	pk := keyhash.UniqueConstraintPK(table, column, value)
	ownerAV, err := attributevalue.Marshal(owner)
	if err != nil {
		return fmt.Errorf("marshal owner: %w", err)
	}
	label := fmt.Sprintf("%s.%s=%v", table, column, value)
	return s.add("unique#"+pk, false, types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                 aws.String(s.backend.config.UniqueTable),
			Key:                       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}},
			ConditionExpression:       aws.String("#owner = :owner"),
			ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":owner": ownerAV},
		},
	}, itemInfo{op: backend.OpDelete, role: roleRelease, label: label})
}

// updateItem builds a SET update guarded by item existence. An update with no
// values becomes a condition check.
func (s *scope) updateItem(m backend.Mutation, key map[string]types.AttributeValue) (types.TransactWriteItem, error) {
	idAttr := s.backend.config.IDAttribute
	tableName := aws.String(s.backend.tableName(m.Table))

	columns := make([]string, 0, len(m.Values))
	for k := range m.Values {
		if k == idAttr {
			continue
		}
		columns = append(columns, k)
	}
	sort.Strings(columns)

	exprNames := map[string]string{"#id": idAttr}
	if len(columns) == 0 {
		return types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:                tableName,
				Key:                      key,
				ConditionExpression:      aws.String("attribute_exists(#id)"),
				ExpressionAttributeNames: exprNames,
			},
		}, nil
	}

	exprValues := make(map[string]types.AttributeValue, len(columns))
	setClauses := make([]string, 0, len(columns))
	for i, k := range columns {
		v, err := attributevalue.Marshal(m.Values[k])
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("marshal %s: %w", k, err)
		}
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		exprNames[nameKey] = k
		exprValues[valueKey] = v
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 tableName,
			Key:                       key,
			UpdateExpression:          aws.String("SET " + strings.Join(setClauses, ", ")),
			ConditionExpression:       aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames:  exprNames,
			ExpressionAttributeValues: exprValues,
		},
	}, nil
}

func (s *scope) Commit(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	if len(s.items) == 0 {
		return nil
	}

	_, err := s.backend.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: s.items,
	})
	return s.mapTransactionError(err)
}

func (s *scope) Rollback(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	s.items = nil
	return nil
}

// mapTransactionError maps the first conditional cancellation reason back to
// the item that caused it.
func (s *scope) mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" || i >= len(s.infos) {
				continue
			}
			info := s.infos[i]
			switch {
			case info.role == roleClaim:
				return fmt.Errorf("%w: %s", backend.ErrDuplicateKey, info.label)
			case info.role == roleRelease:
				return fmt.Errorf("%w: unique claim %s changed owner", backend.ErrConstraint, info.label)
			case info.op == backend.OpInsert:
				return fmt.Errorf("%w: %s", backend.ErrDuplicateKey, info.label)
			default:
				return fmt.Errorf("%w: %s", backend.ErrNotFound, info.label)
			}
		}
	}
	return err
}
