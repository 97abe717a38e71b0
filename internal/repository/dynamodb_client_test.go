package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"goal-clarifier/internal/session"
	"goal-clarifier/internal/strategy"
)

type fakeDynamo struct {
	queryPages  []*dynamodb.QueryOutput
	queryErr    error
	txErr       error
	updateErr   error
	queryInputs []dynamodb.QueryInput
	lastTxInput *dynamodb.TransactWriteItemsInput
	lastUpdate  *dynamodb.UpdateItemInput
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC) }
	return c
}

func sAttr(item map[string]types.AttributeValue, key string) string {
	return item[key].(*types.AttributeValueMemberS).Value
}

func TestAppend_WritesTurnAndMetaInOneTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	turn := session.NewAgentTurn("Which timeframe?", strategy.ClarifyGoal, ts)

	require.NoError(t, c.Append(context.Background(), "abc", turn))
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)
	require.Equal(t, "CONV#abc", sAttr(put.Item, "PK"))
	require.Equal(t, "TURN#2026-02-25T10:00:00.000000000Z#"+turn.ID, sAttr(put.Item, "SK"))
	require.Equal(t, "agent", sAttr(put.Item, "role"))
	require.Equal(t, "clarify_goal", sAttr(put.Item, "strategy"))
	require.Equal(t, "1774605600", put.Item["ttl"].(*types.AttributeValueMemberN).Value)

	upd := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, skMeta, sAttr(upd.Key, "SK"))
	require.Contains(t, *upd.UpdateExpression, "ADD turns :one")
	require.Contains(t, *upd.UpdateExpression, "lastStrategy = :strategy")
	require.Equal(t, "clarify_goal", sAttr(upd.ExpressionAttributeValues, ":strategy"))
}

func TestAppend_UserTurnLeavesLastStrategyAlone(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.Append(context.Background(), "abc", session.NewUserTurn("hi", time.Now())))
	put := db.lastTxInput.TransactItems[0].Put
	_, hasStrategy := put.Item["strategy"]
	require.False(t, hasStrategy)
	require.NotContains(t, *db.lastTxInput.TransactItems[1].Update.UpdateExpression, "lastStrategy")
}

func TestAppend_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	err := c.Append(context.Background(), "abc", session.NewUserTurn("hi", time.Now()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Append")
	require.ErrorContains(t, err, "transaction canceled")
}

func TestAppend_MissingIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.Append(context.Background(), " ", session.NewUserTurn("hi", time.Now()))
	require.ErrorContains(t, err, "required")
	err = c.Append(context.Background(), "abc", session.Turn{Role: session.RoleUser})
	require.ErrorContains(t, err, "required")
}

func TestLoad_RoundTripsAppendedItems(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	user := session.NewUserTurn("battery materials", ts)
	agent := session.NewAgentTurn("Which chemistry?", strategy.ClarifyGoal, ts.Add(time.Second))

	var items []map[string]types.AttributeValue
	for _, turn := range []session.Turn{user, agent} {
		require.NoError(t, c.Append(context.Background(), "abc", turn))
		items = append(items, db.lastTxInput.TransactItems[0].Put.Item)
	}
	db.queryPages = []*dynamodb.QueryOutput{{Items: items}}

	sess, err := c.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", sess.ID())
	turns := sess.History().Turns()
	require.Equal(t, []session.Turn{user, agent}, turns)
	last, ok := sess.LastStrategy()
	require.True(t, ok)
	require.Equal(t, strategy.ClarifyGoal, last)
}

func TestLoad_Paginates(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	first := turnItem("abc", session.NewUserTurn("one", ts), "0")
	second := turnItem("abc", session.NewUserTurn("two", ts.Add(time.Second)), "0")
	cursor := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK": first["SK"],
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{first}, LastEvaluatedKey: cursor},
		{Items: []map[string]types.AttributeValue{second}},
	}}
	c := mustNewClient(t, db)

	sess, err := c.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 2, sess.History().Len())
	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.Equal(t, cursor, db.queryInputs[1].ExclusiveStartKey)
}

func TestLoad_KeyConditionExpression(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	_, _ = c.Load(context.Background(), "abc")
	in := db.queryInputs[0]
	require.Equal(t, "PK = :pk", *in.KeyConditionExpression)
	require.True(t, *in.ScanIndexForward)
	require.True(t, *in.ConsistentRead)
	require.Equal(t, "CONV#abc", sAttr(in.ExpressionAttributeValues, ":pk"))
}

func TestLoad_EmptyIsNotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.Load(context.Background(), "abc")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestLoad_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.Load(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Load query")
}

func TestLoad_MalformedItems(t *testing.T) {
	valid := func() map[string]types.AttributeValue {
		return turnItem("abc", session.NewAgentTurn("x", strategy.ConfirmGoal, time.Now()), "0")
	}
	cases := []struct {
		name   string
		mutate func(map[string]types.AttributeValue)
		want   string
	}{
		{name: "missing role", mutate: func(m map[string]types.AttributeValue) { delete(m, "role") }, want: "role"},
		{name: "unknown role", mutate: func(m map[string]types.AttributeValue) { m["role"] = &types.AttributeValueMemberS{Value: "system"} }, want: "unknown role"},
		{name: "content not string", mutate: func(m map[string]types.AttributeValue) { m["content"] = &types.AttributeValueMemberN{Value: "1"} }, want: "not a string"},
		{name: "bad timestamp", mutate: func(m map[string]types.AttributeValue) { m["ts"] = &types.AttributeValueMemberS{Value: "yesterday"} }, want: "ts"},
		{name: "unknown strategy", mutate: func(m map[string]types.AttributeValue) { m["strategy"] = &types.AttributeValueMemberS{Value: "small_talk"} }, want: "small_talk"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := valid()
			tc.mutate(item)
			c := mustNewClient(t, &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}})
			_, err := c.Load(context.Background(), "abc")
			require.Error(t, err)
			require.Contains(t, err.Error(), "Load unmarshal")
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTurnSK_SortsByTime(t *testing.T) {
	base := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	a := turnSK(session.Turn{ID: "B", Timestamp: base})
	b := turnSK(session.Turn{ID: "A", Timestamp: base.Add(10 * time.Millisecond)})
	c := turnSK(session.Turn{ID: "A", Timestamp: base.Add(100 * time.Millisecond)})
	require.Less(t, a, b)
	require.Less(t, b, c)
}

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func metaItem(extra map[string]types.AttributeValue) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":    &types.AttributeValueMemberS{Value: skMeta},
		"turns": &types.AttributeValueMemberN{Value: "2"},
	}
	for k, v := range extra {
		item[k] = v
	}
	return item
}

func TestSaveSummary_UpdatesMetaItem(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ts := time.Date(2026, 2, 25, 10, 5, 0, 0, time.UTC)

	require.NoError(t, c.SaveSummary(context.Background(), "abc", session.Summary{Text: "Compare solid electrolytes.", UpdatedAt: ts}))
	require.NotNil(t, db.lastUpdate)
	require.Equal(t, "CONV#abc", sAttr(db.lastUpdate.Key, "PK"))
	require.Equal(t, skMeta, sAttr(db.lastUpdate.Key, "SK"))
	require.Contains(t, *db.lastUpdate.UpdateExpression, "summary = :summary")
	require.Equal(t, "Compare solid electrolytes.", sAttr(db.lastUpdate.ExpressionAttributeValues, ":summary"))
	require.Equal(t, "2026-02-25T10:05:00Z", sAttr(db.lastUpdate.ExpressionAttributeValues, ":ts"))
}

func TestSaveSummary_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("throttled")})
	err := c.SaveSummary(context.Background(), "abc", session.Summary{Text: "x", UpdatedAt: time.Now()})
	require.ErrorContains(t, err, "SaveSummary")
	require.ErrorContains(t, err, "throttled")

	err = c.SaveSummary(context.Background(), " ", session.Summary{Text: "x"})
	require.ErrorContains(t, err, "required")
}

func TestLoad_ReadsSummaryFromMeta(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	user := session.NewUserTurn("battery materials", ts)
	agent := session.NewAgentTurn("Goal confirmed.", strategy.EndInteraction, ts.Add(time.Second))
	meta := metaItem(map[string]types.AttributeValue{
		"summary":      &types.AttributeValueMemberS{Value: "Compare solid electrolytes."},
		"summarizedAt": &types.AttributeValueMemberS{Value: ts.Add(2 * time.Second).Format(time.RFC3339Nano)},
	})
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		meta, turnItem("abc", user, "0"), turnItem("abc", agent, "0"),
	}}}}
	c := mustNewClient(t, db)

	sess, err := c.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, []session.Turn{user, agent}, sess.History().Turns())
	sum, ok := sess.Summary()
	require.True(t, ok)
	require.Equal(t, session.Summary{Text: "Compare solid electrolytes.", UpdatedAt: ts.Add(2 * time.Second)}, sum)
}

func TestLoad_MetaWithoutSummary(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		metaItem(nil), turnItem("abc", session.NewUserTurn("hi", ts), "0"),
	}}}}
	c := mustNewClient(t, db)

	sess, err := c.Load(context.Background(), "abc")
	require.NoError(t, err)
	_, ok := sess.Summary()
	require.False(t, ok)
}

func TestLoad_MetaOnlyIsNotFound(t *testing.T) {
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{metaItem(nil)}}}}
	_, err := mustNewClient(t, db).Load(context.Background(), "abc")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestLoad_MalformedSummary(t *testing.T) {
	meta := metaItem(map[string]types.AttributeValue{
		"summary":      &types.AttributeValueMemberS{Value: "goal"},
		"summarizedAt": &types.AttributeValueMemberS{Value: "later"},
	})
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{meta}}}}
	_, err := mustNewClient(t, db).Load(context.Background(), "abc")
	require.ErrorContains(t, err, "summarizedAt")
}
