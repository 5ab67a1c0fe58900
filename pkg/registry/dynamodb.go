package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoRegistry implements Registry with DynamoDB conditional writes.
//
// Table schema:
//   - Partition key: user_key (string)
//   - Attributes: ref (string), version (number), updated_at (string, RFC 3339)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name pdw-index-registry \
//	  --attribute-definitions AttributeName=user_key,AttributeType=S \
//	  --key-schema AttributeName=user_key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoRegistry struct {
	client    DDBClient
	tableName string
}

// NewDynamoRegistry creates a registry backed by tableName
func NewDynamoRegistry(client DDBClient, tableName string) *DynamoRegistry {
	return &DynamoRegistry{client: client, tableName: tableName}
}

// Lookup returns the latest record for user using a consistent read
func (r *DynamoRegistry) Lookup(ctx context.Context, user string) (Record, error) {
	resp, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"user_key": &types.AttributeValueMemberS{Value: user},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to get registry item: %w", err)
	}
	if len(resp.Item) == 0 {
		return Record{}, fmt.Errorf("user %s: %w", user, ErrNotFound)
	}
	return decodeItem(user, resp.Item)
}

func decodeItem(user string, item map[string]types.AttributeValue) (Record, error) {
	refAttr, ok := item["ref"].(*types.AttributeValueMemberS)
	if !ok {
		return Record{}, errors.New("invalid ref attribute in DynamoDB")
	}
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return Record{}, errors.New("invalid version attribute in DynamoDB")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse version: %w", err)
	}
	rec := Record{UserKey: user, Ref: blobstore.Ref(refAttr.Value), Version: version}
	if ts, ok := item["updated_at"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts.Value); err == nil {
			rec.UpdatedAt = t
		}
	}
	return rec, nil
}

// Publish stores rec with a conditional put on a lower stored version
func (r *DynamoRegistry) Publish(ctx context.Context, rec Record) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"user_key":   &types.AttributeValueMemberS{Value: rec.UserKey},
			"ref":        &types.AttributeValueMemberS{Value: string(rec.Ref)},
			"version":    &types.AttributeValueMemberN{Value: strconv.FormatUint(rec.Version, 10)},
			"updated_at": &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		},
	}
	if rec.Version == 0 {
		return fmt.Errorf("user %s version 0: %w", rec.UserKey, ErrVersionConflict)
	}
	input.ConditionExpression = aws.String("attribute_not_exists(user_key) OR version < :next")
	input.ExpressionAttributeValues = map[string]types.AttributeValue{
		":next": &types.AttributeValueMemberN{Value: strconv.FormatUint(rec.Version, 10)},
	}

	_, err := r.client.PutItem(ctx, input)
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return fmt.Errorf("failed to publish registry item: %w", err)
	}

	// A retried publish whose first attempt landed is not a conflict.
	if cur, lookupErr := r.Lookup(ctx, rec.UserKey); lookupErr == nil &&
		cur.Version == rec.Version && cur.Ref == rec.Ref {
		return nil
	}
	return fmt.Errorf("user %s version %d: %w", rec.UserKey, rec.Version, ErrVersionConflict)
}
