package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeDynamo struct {
	putErr       error
	lastPutInput *dynamodb.PutItemInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table", 0)
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func sAttr(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, ok := item[key].(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute %q is not a string", key)
	return v.Value
}

func nAttr(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, ok := item[key].(*types.AttributeValueMemberN)
	require.True(t, ok, "attribute %q is not a number", key)
	return v.Value
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t", 0)
	require.ErrorContains(t, err, "api must not be nil")

	_, err = New(&fakeDynamo{}, "  ", 0)
	require.ErrorContains(t, err, "table name")

	c, err := New(&fakeDynamo{}, "t", 0)
	require.NoError(t, err)
	require.Equal(t, defaultTTLDuration, c.ttl)
}

func TestSaveRelay_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	started := time.Date(2026, 3, 1, 11, 59, 58, 500, time.UTC)
	err := c.SaveRelay(context.Background(), domain.RelayRecord{
		RequestID:   "req-1",
		Model:       "gpt-4o-mini",
		Messages:    2,
		Deltas:      5,
		ChunkErrors: 1,
		Outcome:     domain.OutcomeDone,
		StartedAt:   started,
		Duration:    1500 * time.Millisecond,
	})
	require.NoError(t, err)

	in := db.lastPutInput
	require.NotNil(t, in)
	require.Equal(t, "test-table", *in.TableName)
	require.Contains(t, *in.ConditionExpression, "attribute_not_exists(PK)")

	item := in.Item
	require.Equal(t, "REQ#req-1", sAttr(t, item, "PK"))
	require.Equal(t, "RELAY#"+started.Format(time.RFC3339Nano), sAttr(t, item, "SK"))
	require.Equal(t, "gpt-4o-mini", sAttr(t, item, "model"))
	require.Equal(t, "done", sAttr(t, item, "outcome"))
	require.Equal(t, "2", nAttr(t, item, "messages"))
	require.Equal(t, "5", nAttr(t, item, "deltas"))
	require.Equal(t, "1", nAttr(t, item, "chunkErrors"))
	require.Equal(t, "1500", nAttr(t, item, "durationMs"))
	require.NotContains(t, item, "error")

	wantTTL := fixedNow.Add(defaultTTLDuration).Unix()
	require.Equal(t, wantTTL, mustParseInt(t, nAttr(t, item, "ttl")))
}

func TestSaveRelay_ErrorOutcomeCarriesMessage(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.SaveRelay(context.Background(), domain.RelayRecord{
		RequestID: "req-2",
		Outcome:   domain.OutcomeError,
		Error:     "openai: request failed: connection refused",
	})
	require.NoError(t, err)
	require.Equal(t, "openai: request failed: connection refused", sAttr(t, db.lastPutInput.Item, "error"))
	require.Equal(t, "RELAY#"+fixedNow.Format(time.RFC3339Nano), sAttr(t, db.lastPutInput.Item, "SK"))
}

func TestSaveRelay_RequiresRequestID(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.SaveRelay(context.Background(), domain.RelayRecord{})
	require.ErrorContains(t, err, "request id")
	require.Nil(t, db.lastPutInput)
}

func TestSaveRelay_PutError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("throttled")})
	err := c.SaveRelay(context.Background(), domain.RelayRecord{RequestID: "req-3"})
	require.ErrorContains(t, err, "throttled")
	require.ErrorContains(t, err, "SaveRelay")
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop{}.SaveRelay(context.Background(), domain.RelayRecord{}))
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}
