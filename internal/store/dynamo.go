package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/generation"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "GEN#"
	skMeta   = "META"

	// StatusIndex is the sparse GSI over processing records.
	StatusIndex      = "StatusIndex"
	gsiProcessingKey = "STATUS#processing"

	// sortableTime keeps lexical order equal to time order in gsi1sk.
	sortableTime = "2006-01-02T15:04:05.000000000Z"
)

// record is the stored shape of a generation.
type record struct {
	ID                 string            `dynamodbav:"id"`
	Type               string            `dynamodbav:"type"`
	Status             string            `dynamodbav:"status"`
	ExternalID         string            `dynamodbav:"externalId,omitempty"`
	StoragePath        string            `dynamodbav:"storagePath,omitempty"`
	Progress           int               `dynamodbav:"progress"`
	Error              string            `dynamodbav:"error,omitempty"`
	Metadata           map[string]string `dynamodbav:"metadata,omitempty"`
	SourceGenerationID string            `dynamodbav:"sourceGenerationId,omitempty"`
	CreatedAt          time.Time         `dynamodbav:"createdAt"`
	UpdatedAt          time.Time         `dynamodbav:"updatedAt"`
	Version            int64             `dynamodbav:"version"`
	GSI1PK             string            `dynamodbav:"gsi1pk,omitempty"`
	GSI1SK             string            `dynamodbav:"gsi1sk,omitempty"`
}

func toRecord(g *generation.Generation) record {
	r := record{
		ID:                 g.ID,
		Type:               string(g.Type),
		Status:             string(g.Status),
		ExternalID:         g.ExternalID,
		StoragePath:        g.StoragePath,
		Progress:           g.Progress,
		Error:              g.Error,
		Metadata:           g.Metadata,
		SourceGenerationID: g.SourceGenerationID,
		CreatedAt:          g.CreatedAt.UTC(),
		UpdatedAt:          g.UpdatedAt.UTC(),
		Version:            g.Version,
	}
	if g.Status == generation.StatusProcessing {
		r.GSI1PK = gsiProcessingKey
		r.GSI1SK = g.CreatedAt.UTC().Format(sortableTime)
	}
	return r
}

func (r record) generation() *generation.Generation {
	return &generation.Generation{
		ID:                 r.ID,
		Type:               generation.Type(r.Type),
		Status:             generation.Status(r.Status),
		ExternalID:         r.ExternalID,
		StoragePath:        r.StoragePath,
		Progress:           r.Progress,
		Error:              r.Error,
		Metadata:           r.Metadata,
		SourceGenerationID: r.SourceGenerationID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		Version:            r.Version,
	}
}

// DynamoStore implements generation.RecordStore using AWS DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
}

// Compile-time interface check.
var _ generation.RecordStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table. A ttl of zero
// disables record expiry.
func NewDynamoStore(client DynamoAPI, tableName string, ttl time.Duration) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
	}
}

// --- Internal helpers ---

func generationPK(id string) string {
	return pkPrefix + id
}

func itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: generationPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// marshal builds the full item including key and TTL attributes.
func (s *DynamoStore) marshal(g *generation.Generation) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(toRecord(g))
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: generationPK(g.ID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	if s.ttl > 0 {
		exp := g.CreatedAt.Add(s.ttl).Unix()
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	return item, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// --- Generation operations ---

// Create writes a new record with version 1. It fails if the id exists.
func (s *DynamoStore) Create(ctx context.Context, g *generation.Generation) error {
	g.Version = 1
	item, err := s.marshal(g)
	if err != nil {
		return fmt.Errorf("create generation %s: %w", g.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("create generation %s: %w", g.ID, generation.ErrConflict)
		}
		return fmt.Errorf("create generation %s: PutItem: %w", g.ID, err)
	}

	log.Debug().Str("generationId", g.ID).Str("type", string(g.Type)).Msg("Generation persisted to DynamoDB")
	return nil
}

// Get returns nil, nil when the record does not exist.
func (s *DynamoStore) Get(ctx context.Context, id string) (*generation.Generation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get generation %s: GetItem: %w", id, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var r record
	if err := attributevalue.UnmarshalMap(result.Item, &r); err != nil {
		return nil, fmt.Errorf("get generation %s: unmarshal: %w", id, err)
	}
	return r.generation(), nil
}

// Update replaces the record if its stored version is expectedVersion.
func (s *DynamoStore) Update(ctx context.Context, g *generation.Generation, expectedVersion int64) error {
	next := *g
	next.Version = expectedVersion + 1
	item, err := s.marshal(&next)
	if err != nil {
		return fmt.Errorf("update generation %s: %w", g.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("#v = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("update generation %s at version %d: %w", g.ID, expectedVersion, generation.ErrConflict)
		}
		return fmt.Errorf("update generation %s: PutItem: %w", g.ID, err)
	}

	g.Version = next.Version
	log.Debug().
		Str("generationId", g.ID).
		Str("status", string(g.Status)).
		Int("progress", g.Progress).
		Int64("version", g.Version).
		Msg("Generation updated")
	return nil
}

// ListProcessing queries the sparse status index for records created
// before the cutoff, oldest first.
func (s *DynamoStore) ListProcessing(ctx context.Context, createdBefore time.Time) ([]*generation.Generation, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND gsi1sk < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: gsiProcessingKey},
			":cutoff": &types.AttributeValueMemberS{Value: createdBefore.UTC().Format(sortableTime)},
		},
	}

	var out []*generation.Generation
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", StatusIndex, err)
		}
		for _, item := range result.Items {
			var r record
			if err := attributevalue.UnmarshalMap(item, &r); err != nil {
				return nil, fmt.Errorf("unmarshal %s item: %w", StatusIndex, err)
			}
			out = append(out, r.generation())
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	log.Debug().Int("count", len(out)).Time("createdBefore", createdBefore).Msg("Listed processing generations")
	return out, nil
}
