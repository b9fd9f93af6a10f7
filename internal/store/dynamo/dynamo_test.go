package dynamo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

// fakeClient keeps items per table keyed by the string value of their hash
// key. It understands exactly the conditions Store issues.
type fakeClient struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newFakeClient() *fakeClient {
	return &fakeClient{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func keyOf(key map[string]types.AttributeValue) string {
	for _, v := range key {
		return v.(*types.AttributeValueMemberS).Value
	}
	return ""
}

func hashKeyOf(table string, item map[string]types.AttributeValue) string {
	if v, ok := item["user_id"]; ok && table == "sessions" {
		return v.(*types.AttributeValueMemberS).Value
	}
	return item["id"].(*types.AttributeValueMemberS).Value
}

func (f *fakeClient) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		f.tables[name] = t
	}
	return t
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(*in.TableName)[keyOf(in.Key)]}, nil
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(*in.TableName)
	k := hashKeyOf(*in.TableName, in.Item)
	if in.ConditionExpression != nil {
		if _, exists := t[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(*in.TableName)
	k := keyOf(in.Key)
	old, exists := t[k]
	if in.ConditionExpression != nil && !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(t, k)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeClient) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := in.ExpressionAttributeValues[":oid"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.table(*in.TableName) {
		if owner, ok := item["owner_id"].(*types.AttributeValueMemberS); ok && owner.Value == want {
			items = append(items, item)
		}
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

// TransactWriteItems applies conditional puts all-or-nothing.
func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		p := ti.Put
		if p == nil || p.ConditionExpression == nil {
			continue
		}
		if _, exists := f.table(*p.TableName)[hashKeyOf(*p.TableName, p.Item)]; exists {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}
	for _, ti := range in.TransactItems {
		if p := ti.Put; p != nil {
			f.table(*p.TableName)[hashKeyOf(*p.TableName, p.Item)] = p.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func newTestStore() *Store {
	return New(newFakeClient(), Tables{Sessions: "sessions", Files: "files", Pending: "pending"})
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.GetSession(ctx, "1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.PutSession(ctx, &model.Session{UserID: "1", AccessToken: "a", Expiry: expiry, FolderID: "fld"}))

	got, err := s.GetSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "fld", got.FolderID)
	assert.True(t, got.Expiry.Equal(expiry))

	require.NoError(t, s.DeleteSession(ctx, "1"))
	assert.ErrorIs(t, s.DeleteSession(ctx, "1"), store.ErrNotFound)
}

func TestFilesOrderedAndScopedToOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time {
		tick = tick.Add(time.Nanosecond)
		return tick
	}

	for _, id := range []string{"z", "y", "x"} {
		require.NoError(t, s.AddFile(ctx, &model.FileRecord{ID: id, RemoteID: "r" + id, OwnerID: "1", CreatedAt: base}))
	}
	require.NoError(t, s.AddFile(ctx, &model.FileRecord{ID: "other", RemoteID: "ro", OwnerID: "2", CreatedAt: base}))

	recs, err := s.ListFiles(ctx, "1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "z", recs[0].ID)
	assert.Equal(t, "y", recs[1].ID)
	assert.Equal(t, "x", recs[2].ID)

	assert.Error(t, s.AddFile(ctx, &model.FileRecord{ID: "z", RemoteID: "dup", OwnerID: "1"}))

	n, err := s.DeleteFilesByOwner(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.GetFile(ctx, "other")
	assert.NoError(t, err)
	assert.ErrorIs(t, s.DeleteFile(ctx, "z"), store.ErrNotFound)
}

func TestAddFile_RemoteIDRegisteredOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.AddFile(ctx, &model.FileRecord{ID: "a", RemoteID: "r1", OwnerID: "1"}))

	err := s.AddFile(ctx, &model.FileRecord{ID: "b", RemoteID: "r1", OwnerID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote id r1")
	_, err = s.GetFile(ctx, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Guard items are not file records.
	_, err = s.GetFile(ctx, remoteGuardPrefix+"r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	recs, err := s.ListFiles(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Deleting the record releases the remote id.
	require.NoError(t, s.DeleteFile(ctx, "a"))
	require.NoError(t, s.AddFile(ctx, &model.FileRecord{ID: "b", RemoteID: "r1", OwnerID: "1"}))
}

func TestTakePending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.PutPending(ctx, &model.PendingLogin{ID: "p", UserID: "9", ChatID: 9, ExpiresAt: 123}))

	p, err := s.TakePending(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "9", p.UserID)
	assert.Equal(t, int64(9), p.ChatID)

	_, err = s.TakePending(ctx, "p")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
