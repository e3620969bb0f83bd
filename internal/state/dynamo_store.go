package state

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item attribute names. Every other attribute on an item is a field.
const (
	attrDeviceID    = "device_id"
	attrLastUpdated = "last_updated"
	attrCreatedAt   = "created_at"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore persists one item per device in a DynamoDB table keyed on
// device_id. Field values are top-level number attributes so a single
// UpdateItem can set any subset of them atomically.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoStore creates a store on the given table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func isReservedAttr(name string) bool {
	switch name {
	case attrDeviceID, attrLastUpdated, attrCreatedAt:
		return true
	}
	return false
}

// Get implements Getter with a strongly consistent read.
func (s *DynamoStore) Get(ctx context.Context, deviceID string) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrDeviceID: &types.AttributeValueMemberS{Value: deviceID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("getting device state: %w", err)
	}
	if len(out.Item) == 0 {
		return Record{}, ErrRecordNotFound
	}
	return decodeItem(deviceID, out.Item)
}

// Upsert implements Store with one UpdateItem call. created_at uses
// if_not_exists so it is written only when the item is created.
func (s *DynamoStore) Upsert(ctx context.Context, deviceID string, set map[string]int64, at time.Time) (*Record, error) {
	fields := make([]string, 0, len(set))
	for f := range set {
		if isReservedAttr(f) {
			return nil, fmt.Errorf("field %q collides with a reserved attribute", f)
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	ts := at.UTC().Format(timeFormat)
	names := map[string]string{
		"#lu": attrLastUpdated,
		"#ca": attrCreatedAt,
	}
	values := map[string]types.AttributeValue{
		":ts": &types.AttributeValueMemberS{Value: ts},
	}
	clauses := make([]string, 0, len(fields)+2)
	for i, f := range fields {
		name, value := "#f"+strconv.Itoa(i), ":f"+strconv.Itoa(i)
		names[name] = f
		values[value] = &types.AttributeValueMemberN{Value: strconv.FormatInt(set[f], 10)}
		clauses = append(clauses, name+" = "+value)
	}
	clauses = append(clauses, "#lu = :ts", "#ca = if_not_exists(#ca, :ts)")

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrDeviceID: &types.AttributeValueMemberS{Value: deviceID},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(clauses, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("updating device state: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}

	prior, err := decodeItem(deviceID, out.Attributes)
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

func decodeItem(deviceID string, item map[string]types.AttributeValue) (Record, error) {
	rec := Record{DeviceID: deviceID, Fields: map[string]int64{}}

	for name, av := range item {
		switch name {
		case attrDeviceID:
			continue
		case attrLastUpdated, attrCreatedAt:
			s, ok := av.(*types.AttributeValueMemberS)
			if !ok {
				return Record{}, fmt.Errorf("attribute %s: expected string", name)
			}
			t, err := time.Parse(timeFormat, s.Value)
			if err != nil {
				return Record{}, fmt.Errorf("parsing %s: %w", name, err)
			}
			if name == attrLastUpdated {
				rec.LastUpdated = &t
			} else {
				rec.CreatedAt = &t
			}
		default:
			n, ok := av.(*types.AttributeValueMemberN)
			if !ok {
				continue // not a field written by this store
			}
			v, err := strconv.ParseInt(n.Value, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("attribute %s: %w", name, err)
			}
			rec.Fields[name] = v
		}
	}
	return rec, nil
}
