// Package repository persists session turns in a single DynamoDB table.
//
// Layout: every item of a session shares PK "CONV#<id>". Turns use sort keys
// "TURN#<fixed-width timestamp>#<turn id>" so a forward query returns them in
// recording order; "META#" holds the turn count, last strategy and summary.
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

	"goal-clarifier/internal/session"
	"goal-clarifier/internal/strategy"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL

	// sortable timestamp layout; RFC3339Nano drops trailing zeros.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client is a session.Store backed by DynamoDB.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ session.Store = (*Client)(nil)

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func convPK(sessionID string) string {
	return "CONV#" + sessionID
}

func metaKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func turnSK(t session.Turn) string {
	return skPrefixTurn + t.Timestamp.UTC().Format(skTimeLayout) + "#" + t.ID
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// Load reads the whole session partition: the meta item (for the summary)
// and every turn in recording order. It returns session.ErrNotFound when the
// session has no turns.
func (c *Client) Load(ctx context.Context, sessionID string) (*session.AgentSession, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: convPK(sessionID)},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var (
		turns   []session.Turn
		summary session.Summary
	)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Load query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, fmt.Errorf("repository: Load unmarshal: %w", err)
			}
			switch {
			case sk == skMeta:
				summary, err = itemToSummary(item)
				if err != nil {
					return nil, fmt.Errorf("repository: Load unmarshal: %w", err)
				}
				continue
			case !strings.HasPrefix(sk, skPrefixTurn):
				continue
			}
			t, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Load unmarshal: %w", err)
			}
			turns = append(turns, t)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if len(turns) == 0 {
		return nil, session.ErrNotFound
	}
	sess := session.RestoreAgentSession(sessionID, turns)
	sess.SetSummary(summary)
	return sess, nil
}

// SaveSummary sets the summary on the meta item.
func (c *Client) SaveSummary(ctx context.Context, sessionID string, sum session.Summary) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: SaveSummary: session id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              metaKey(sessionID),
		UpdateExpression: aws.String("SET summary = :summary, summarizedAt = :ts, sessionId = :sid, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":summary": &types.AttributeValueMemberS{Value: sum.Text},
			":ts":      &types.AttributeValueMemberS{Value: sum.UpdatedAt.UTC().Format(time.RFC3339Nano)},
			":sid":     &types.AttributeValueMemberS{Value: sessionID},
			":ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveSummary: %w", err)
	}
	return nil
}

// Append writes the turn and bumps the meta record in one transaction.
func (c *Client) Append(ctx context.Context, sessionID string, t session.Turn) error {
	if strings.TrimSpace(sessionID) == "" || t.ID == "" {
		return errors.New("repository: Append: session id and turn id are required")
	}

	ttl := strconv.FormatInt(c.ttlValue(), 10)
	update := &types.Update{
		TableName: aws.String(c.tableName),
		Key:       metaKey(sessionID),
		UpdateExpression: aws.String("ADD turns :one SET lastActivity = :ts, sessionId = :sid, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":ts":  &types.AttributeValueMemberS{Value: t.Timestamp.UTC().Format(time.RFC3339)},
			":sid": &types.AttributeValueMemberS{Value: sessionID},
			":ttl": &types.AttributeValueMemberN{Value: ttl},
		},
	}
	if t.Role == session.RoleAgent && t.Strategy.Valid() {
		*update.UpdateExpression += ", lastStrategy = :strategy"
		update.ExpressionAttributeValues[":strategy"] = &types.AttributeValueMemberS{Value: t.Strategy.String()}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(sessionID, t, ttl),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{Update: update},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

func turnItem(sessionID string, t session.Turn, ttl string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(t)},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"turnId":    &types.AttributeValueMemberS{Value: t.ID},
		"role":      &types.AttributeValueMemberS{Value: string(t.Role)},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"ts":        &types.AttributeValueMemberS{Value: t.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: ttl},
	}
	if t.Strategy.Valid() {
		item["strategy"] = &types.AttributeValueMemberS{Value: t.Strategy.String()}
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (session.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return session.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return session.Turn{}, err
	}
	if role != string(session.RoleUser) && role != string(session.RoleAgent) {
		return session.Turn{}, fmt.Errorf("repository: unknown role %q", role)
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return session.Turn{}, err
	}
	rawTS, err := strAttr(item, "ts")
	if err != nil {
		return session.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return session.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "ts", err)
	}

	t := session.Turn{ID: id, Role: session.Role(role), Content: content, Timestamp: ts}
	if raw, err := strAttr(item, "strategy"); err == nil && raw != "" {
		s, err := strategy.Parse(raw)
		if err != nil {
			return session.Turn{}, err
		}
		t.Strategy = s
	}
	return t, nil
}

// itemToSummary reads the optional summary from the meta item.
func itemToSummary(item map[string]types.AttributeValue) (session.Summary, error) {
	if _, ok := item["summary"]; !ok {
		return session.Summary{}, nil
	}
	text, err := strAttr(item, "summary")
	if err != nil {
		return session.Summary{}, err
	}
	rawTS, err := strAttr(item, "summarizedAt")
	if err != nil {
		return session.Summary{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return session.Summary{}, fmt.Errorf("repository: parse attribute %q: %w", "summarizedAt", err)
	}
	return session.Summary{Text: text, UpdatedAt: ts}, nil
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
