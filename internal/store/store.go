// Package store persists generation records.
//
// DynamoStore uses a single-table design: each generation is one item with
// partition key GEN#{id} and sort key META. Records that are still
// processing also carry gsi1pk/gsi1sk attributes, projecting them into the
// sparse StatusIndex GSI that the staleness sweep queries; the attributes
// are removed when the record goes terminal so the index only ever holds
// in-flight work. An optional TTL attribute (expiresAt) expires old
// records.
package store

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DefaultRecordTTL is how long generation records are kept.
const DefaultRecordTTL = 30 * 24 * time.Hour

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}
