package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

const defaultDynamoRetries = 8

type dynamoAPI interface {
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// dynamoStateItem is the table layout: the State document is kept as JSON so
// every backend shares one persisted shape.
type dynamoStateItem struct {
	Key       string `dynamodbav:"key"`
	Version   int64  `dynamodbav:"version"`
	Stage     string `dynamodbav:"stage"`
	State     string `dynamodbav:"state"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

// DynamoStore keeps one item per conversation key and guards patches with a
// conditional write on the item version.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	tracer    trace.Tracer
	logger    *logging.Logger
	retries   int
	now       func() time.Time
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoStore {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		tracer:    otel.Tracer("prospecting.internal.conversation.dynamostore"),
		logger:    logger,
		retries:   defaultDynamoRetries,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *DynamoStore) Get(ctx context.Context, key string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	state, _, err := s.read(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return state, nil
}

func (s *DynamoStore) Put(ctx context.Context, key string, state State) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.put", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	committed := prepareState(key, state, s.now())
	for attempt := 0; attempt < s.retries; attempt++ {
		_, version, err := s.read(ctx, key)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		err = s.write(ctx, committed, version)
		if err == nil {
			return &committed, nil
		}
		if !isConditionFailure(err) {
			span.RecordError(err)
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: key %s", ErrStoreContention, key)
}

func (s *DynamoStore) Patch(ctx context.Context, key string, patch Patch) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.patch", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	for attempt := 0; attempt < s.retries; attempt++ {
		current, version, err := s.read(ctx, key)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		next, err := mergePatch(current, key, patch, s.now())
		if err != nil {
			return nil, err
		}
		err = s.write(ctx, next, version)
		if err == nil {
			return &next, nil
		}
		if !isConditionFailure(err) {
			span.RecordError(err)
			return nil, err
		}
	}
	span.RecordError(ErrStoreContention)
	return nil, fmt.Errorf("%w: key %s", ErrStoreContention, key)
}

// read returns the stored state and its version; version 0 means absent.
func (s *DynamoStore) read(ctx context.Context, key string) (*State, int64, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("conversation: fetch state: %w", err)
	}
	if out.Item == nil {
		return nil, 0, nil
	}
	var item dynamoStateItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, 0, fmt.Errorf("conversation: decode state item: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(item.State), &state); err != nil {
		s.logger.Warn("stored state corrupt; treating as absent", "key", key, "error", err)
		return nil, item.Version, nil
	}
	if state.Timestamps == nil {
		state.Timestamps = map[string]time.Time{}
	}
	return &state, item.Version, nil
}

func (s *DynamoStore) write(ctx context.Context, state State, expectedVersion int64) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("conversation: encode state: %w", err)
	}
	item, err := attributevalue.MarshalMap(dynamoStateItem{
		Key:       state.Key,
		Version:   expectedVersion + 1,
		Stage:     string(state.Stage),
		State:     string(doc),
		UpdatedAt: state.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("conversation: marshal state item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#key)")
		input.ExpressionAttributeNames = map[string]string{"#key": "key"}
	} else {
		input.ConditionExpression = aws.String("#version = :expected")
		input.ExpressionAttributeNames = map[string]string{"#version": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("conversation: persist state: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
