// Package dynamo is the DynamoDB store backend. It lets the bot and a
// Lambda-hosted redirect endpoint share one set of sessions.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

// Client is the subset of *dynamodb.Client methods used by Store.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// remoteGuardPrefix keys the items in the files table that reserve a
// remote id. Guards carry no owner_id, so owner scans skip them.
const remoteGuardPrefix = "remote#"

// Tables names the three tables. Sessions are keyed by user_id, files and
// pending logins by id. The pending table should have TTL on expires_at.
type Tables struct {
	Sessions string
	Files    string
	Pending  string
}

// Store implements store.Backend on DynamoDB.
type Store struct {
	client Client
	tables Tables
	now    func() time.Time
}

var _ store.Backend = (*Store)(nil)

// New creates a new Store.
func New(client Client, tables Tables) *Store {
	return &Store{client: client, tables: tables, now: time.Now}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// GetSession retrieves the session of userID.
func (s *Store) GetSession(ctx context.Context, userID string) (*model.Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Sessions),
		Key:       stringKey("user_id", userID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}

	var sess model.Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// PutSession creates or replaces a session.
func (s *Store) PutSession(ctx context.Context, sess *model.Session) error {
	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Sessions),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save session to DynamoDB: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tables.Sessions),
		Key:                 stringKey("user_id", userID),
		ConditionExpression: aws.String("attribute_exists(user_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AddFile stores a new file record. The sequence number is the insertion
// time in nanoseconds. The record and a guard item on its remote id are
// written in one transaction, so a remote id is registered at most once.
func (s *Store) AddFile(ctx context.Context, rec *model.FileRecord) error {
	rec.Seq = s.now().UnixNano()

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal file record: %w", err)
	}
	guard := map[string]types.AttributeValue{
		"id":      &types.AttributeValueMemberS{Value: remoteGuardPrefix + rec.RemoteID},
		"file_id": &types.AttributeValueMemberS{Value: rec.ID},
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.tables.Files),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.tables.Files),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for i, r := range tce.CancellationReasons {
				if aws.ToString(r.Code) != "ConditionalCheckFailed" {
					continue
				}
				if i == 0 {
					return fmt.Errorf("file record %s already exists", rec.ID)
				}
				return fmt.Errorf("remote id %s already registered", rec.RemoteID)
			}
		}
		return fmt.Errorf("failed to save file record: %w", err)
	}
	return nil
}

// GetFile retrieves one file record.
func (s *Store) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	if strings.HasPrefix(id, remoteGuardPrefix) {
		return nil, store.ErrNotFound
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Files),
		Key:       stringKey("id", id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}

	var rec model.FileRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file record: %w", err)
	}
	return &rec, nil
}

// ListFiles scans for the records of ownerID. Scanning is acceptable at the
// scale of one bot; a GSI on owner_id would replace it.
func (s *Store) ListFiles(ctx context.Context, ownerID string) ([]model.FileRecord, error) {
	recs := []model.FileRecord{}

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tables.Files),
			FilterExpression: aws.String("owner_id = :oid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":oid": &types.AttributeValueMemberS{Value: ownerID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan file records: %w", err)
		}

		var page []model.FileRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file records: %w", err)
		}
		recs = append(recs, page...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	store.SortByCreation(recs)
	return recs, nil
}

// DeleteFile removes one file record and releases its remote id.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	if strings.HasPrefix(id, remoteGuardPrefix) {
		return store.ErrNotFound
	}
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tables.Files),
		Key:                 stringKey("id", id),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ReturnValues:        types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	var old model.FileRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &old); err != nil || old.RemoteID == "" {
		return nil
	}
	// A guard left behind only blocks a remote id Drive never reissues.
	_, _ = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.Files),
		Key:       stringKey("id", remoteGuardPrefix+old.RemoteID),
	})
	return nil
}

// DeleteFilesByOwner removes every record of ownerID.
func (s *Store) DeleteFilesByOwner(ctx context.Context, ownerID string) (int, error) {
	recs, err := s.ListFiles(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range recs {
		if err := s.DeleteFile(ctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// PutPending records a login attempt.
func (s *Store) PutPending(ctx context.Context, p *model.PendingLogin) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending login: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Pending),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save pending login: %w", err)
	}
	return nil
}

// TakePending deletes the login attempt and returns what was deleted.
// DynamoDB TTL deletion is lazy, so expired items may still be returned;
// the caller checks expiry.
func (s *Store) TakePending(ctx context.Context, id string) (*model.PendingLogin, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tables.Pending),
		Key:          stringKey("id", id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take pending login: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, store.ErrNotFound
	}

	var p model.PendingLogin
	if err := attributevalue.UnmarshalMap(out.Attributes, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending login: %w", err)
	}
	return &p, nil
}

// String describes the backend for logs.
func (s *Store) String() string {
	return "dynamodb(" + s.tables.Sessions + "," + s.tables.Files + "," + s.tables.Pending + ")"
}
