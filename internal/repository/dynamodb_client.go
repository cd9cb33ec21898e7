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

	"chat-relay/internal/domain"
)

const (
	pkPrefixRequest    = "REQ#"
	skPrefixRelay      = "RELAY#"
	defaultTTLDuration = 30 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client writes relay records to a DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a new repository Client. A non-positive ttl falls back to 30 days.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTLDuration
	}
	return &Client{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func requestPK(requestID string) string {
	return pkPrefixRequest + requestID
}

func relaySK(ts time.Time) string {
	return skPrefixRelay + ts.UTC().Format(time.RFC3339Nano)
}

// SaveRelay persists the summary of one relayed stream. The write is
// conditional so a retried request id never overwrites an earlier record.
func (c *Client) SaveRelay(ctx context.Context, rec domain.RelayRecord) error {
	if strings.TrimSpace(rec.RequestID) == "" {
		return errors.New("repository: SaveRelay: request id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = c.now()
	}
	if rec.TTL == 0 {
		rec.TTL = c.now().Add(c.ttl).Unix()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                relayItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveRelay: %w", err)
	}
	return nil
}

func relayItem(rec domain.RelayRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: requestPK(rec.RequestID)},
		"SK":          &types.AttributeValueMemberS{Value: relaySK(rec.StartedAt)},
		"requestId":   &types.AttributeValueMemberS{Value: rec.RequestID},
		"model":       &types.AttributeValueMemberS{Value: rec.Model},
		"messages":    numberAttr(int64(rec.Messages)),
		"deltas":      numberAttr(int64(rec.Deltas)),
		"chunkErrors": numberAttr(int64(rec.ChunkErrors)),
		"outcome":     &types.AttributeValueMemberS{Value: rec.Outcome},
		"startedAt":   &types.AttributeValueMemberS{Value: rec.StartedAt.UTC().Format(time.RFC3339Nano)},
		"durationMs":  numberAttr(rec.Duration.Milliseconds()),
		"ttl":         numberAttr(rec.TTL),
	}
	// DynamoDB rejects empty string attributes in some index configurations.
	if rec.Error != "" {
		item["error"] = &types.AttributeValueMemberS{Value: rec.Error}
	}
	return item
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
