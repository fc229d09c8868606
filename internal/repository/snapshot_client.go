package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-session/internal/persist"
)

const (
	pkPrefixOwner = "OWNER#"
	skPrefixState = "STATE#"
	ttlDuration   = 90 * 24 * time.Hour

	// Items written before versioning have no version attribute and count as 0.
	conditionFirstWrite = "attribute_not_exists(PK) OR attribute_not_exists(#version)"
	conditionVersion    = "#version = :version"
)

// dynamodbAPI is the minimal DynamoDB interface required by SnapshotClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// SnapshotClient stores one serialized state snapshot per (owner, kind).
type SnapshotClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a SnapshotClient for tableName.
func New(api dynamodbAPI, tableName string) (*SnapshotClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &SnapshotClient{api: api, tableName: tableName, now: time.Now}, nil
}

func ownerPK(owner string) string {
	return pkPrefixOwner + owner
}

func stateSK(kind string) string {
	return skPrefixState + kind
}

func validateKey(owner, kind string) error {
	if strings.TrimSpace(owner) == "" {
		return errors.New("owner is required")
	}
	if strings.TrimSpace(kind) == "" {
		return errors.New("kind is required")
	}
	return nil
}

// LoadSnapshot returns the stored payload and version. ok is false when
// nothing was saved yet.
func (c *SnapshotClient) LoadSnapshot(ctx context.Context, owner, kind string) (persist.Snapshot, bool, error) {
	if err := validateKey(owner, kind); err != nil {
		return persist.Snapshot{}, false, fmt.Errorf("repository: LoadSnapshot: %w", err)
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ownerPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: stateSK(kind)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return persist.Snapshot{}, false, fmt.Errorf("repository: LoadSnapshot get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return persist.Snapshot{}, false, nil
	}
	payload, err := strAttr(out.Item, "payload")
	if err != nil {
		return persist.Snapshot{}, false, fmt.Errorf("repository: LoadSnapshot decode payload: %w", err)
	}
	version, err := versionAttr(out.Item)
	if err != nil {
		return persist.Snapshot{}, false, fmt.Errorf("repository: LoadSnapshot decode version: %w", err)
	}
	return persist.Snapshot{Data: []byte(payload), Version: version}, true, nil
}

// SaveSnapshot replaces the stored payload if it is still at version, bumps
// the version and refreshes the TTL. A lost race yields persist.ErrConflict.
func (c *SnapshotClient) SaveSnapshot(ctx context.Context, owner, kind string, data []byte, version int64) (int64, error) {
	if err := validateKey(owner, kind); err != nil {
		return 0, fmt.Errorf("repository: SaveSnapshot: %w", err)
	}
	now := c.now().UTC()
	next := version + 1
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: ownerPK(owner)},
			"SK":        &types.AttributeValueMemberS{Value: stateSK(kind)},
			"payload":   &types.AttributeValueMemberS{Value: string(data)},
			"version":   &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
			"updatedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(ttlDuration).Unix())},
		},
		ConditionExpression:      aws.String(conditionVersion),
		ExpressionAttributeNames: map[string]string{"#version": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		},
	}
	if version == 0 {
		in.ConditionExpression = aws.String(conditionFirstWrite)
		in.ExpressionAttributeValues = nil
	}
	_, err := c.api.PutItem(ctx, in)
	var conditionErr *types.ConditionalCheckFailedException
	if errors.As(err, &conditionErr) {
		return 0, fmt.Errorf("repository: SaveSnapshot %s/%s at version %d: %w", kind, owner, version, persist.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("repository: SaveSnapshot: %w", err)
	}
	return next, nil
}

func versionAttr(item map[string]types.AttributeValue) (int64, error) {
	v, ok := item["version"]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("repository: attribute \"version\" is not a number")
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
