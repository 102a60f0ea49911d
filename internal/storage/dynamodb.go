package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"cinebot/internal/directory"
	logx "cinebot/pkg/logx"
)

// Single-table layout with string keys PK and SK:
//
//	PK=RECIPIENT  SK=ID#<sortable id>    name, last_seen (unix ms)
//	PK=AUDIT      SK=AT#<utc time>#<uuid>  entry attributes, ttl
const (
	pkRecipient = "RECIPIENT"
	pkAudit     = "AUDIT"
	skIDPrefix  = "ID#"
	skAtPrefix  = "AT#"
	auditTTL    = 90 * 24 * time.Hour
)

// auditTimeLayout is fixed width so sort keys order by time.
const auditTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dynamodbAPI is the subset of *dynamodb.Client the store needs.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type dynamoStore struct {
	api   dynamodbAPI
	table string
	log   logx.Logger
}

func openDynamo(ctx context.Context, cfg Config, log logx.Logger) (*dynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(cfg.Region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Table, log)
}

func newDynamo(api dynamodbAPI, table string, log logx.Logger) (*dynamoStore, error) {
	if api == nil {
		return nil, errors.New("dynamodb api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamodb table name must not be empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &dynamoStore{api: api, table: table, log: log}, nil
}

func (s *dynamoStore) Close() error { return nil }

// sortableID maps int64 onto a fixed-width string with the same ordering.
func sortableID(id int64) string {
	return fmt.Sprintf("%020d", uint64(id)^(1<<63))
}

func parseSortableID(sk string) (int64, error) {
	u, err := strconv.ParseUint(strings.TrimPrefix(sk, skIDPrefix), 10, 64)
	if err != nil {
		return 0, err
	}
	return int64(u ^ (1 << 63)), nil
}

func recipientKey(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkRecipient},
		"SK": &types.AttributeValueMemberS{Value: skIDPrefix + sortableID(id)},
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (s *dynamoStore) Upsert(ctx context.Context, r directory.Recipient) error {
	item := recipientKey(r.ID)
	item["name"] = &types.AttributeValueMemberS{Value: r.Name}
	item["last_seen"] = numAttr(r.LastSeen.UnixMilli())
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item})
	if err != nil {
		return fmt.Errorf("storage: upsert %d: %w", r.ID, err)
	}
	return nil
}

func (s *dynamoStore) Count(ctx context.Context) (int, error) {
	total := 0
	var start map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pkRecipient},
			},
			Select:            types.SelectCount,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return 0, fmt.Errorf("storage: count: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *dynamoStore) Scan(ctx context.Context) iter.Seq2[directory.Recipient, error] {
	return directory.Keyset(ctx, directory.DefaultPageSize, s.page)
}

// page returns up to limit recipients after the given id. A Query response
// may stop short of Limit (1 MB cap) while still reporting LastEvaluatedKey;
// the query is continued from that key so a short page always means the end.
func (s *dynamoStore) page(ctx context.Context, after int64, limit int) ([]directory.Recipient, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND SK > :after"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: pkRecipient},
			":after": &types.AttributeValueMemberS{Value: skIDPrefix},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if after != minID {
		in.ExpressionAttributeValues[":after"] = &types.AttributeValueMemberS{Value: skIDPrefix + sortableID(after)}
	}
	rs := make([]directory.Recipient, 0, limit)
	for len(rs) < limit {
		in.Limit = aws.Int32(int32(limit - len(rs)))
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		for _, item := range out.Items {
			r, err := itemToRecipient(item)
			if err != nil {
				return nil, fmt.Errorf("storage: scan decode: %w", err)
			}
			rs = append(rs, r)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return rs, nil
}

func itemToRecipient(item map[string]types.AttributeValue) (directory.Recipient, error) {
	sk, ok := item["SK"].(*types.AttributeValueMemberS)
	if !ok {
		return directory.Recipient{}, errors.New("missing SK")
	}
	id, err := parseSortableID(sk.Value)
	if err != nil {
		return directory.Recipient{}, fmt.Errorf("bad SK %q: %w", sk.Value, err)
	}
	r := directory.Recipient{ID: id}
	if n, ok := item["name"].(*types.AttributeValueMemberS); ok {
		r.Name = n.Value
	}
	if n, ok := item["last_seen"].(*types.AttributeValueMemberN); ok {
		ms, _ := strconv.ParseInt(n.Value, 10, 64)
		r.LastSeen = time.UnixMilli(ms)
	}
	return r, nil
}

func (s *dynamoStore) Delete(ctx context.Context, id int64) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: recipientKey(id)})
	if err != nil {
		return fmt.Errorf("storage: delete %d: %w", id, err)
	}
	return nil
}

func (s *dynamoStore) DeleteInactive(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	var start map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			FilterExpression:       aws.String("last_seen < :cutoff"),
			ProjectionExpression:   aws.String("PK, SK"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkRecipient},
				":cutoff": numAttr(cutoff.UnixMilli()),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return deleted, fmt.Errorf("storage: delete inactive: %w", err)
		}
		for _, item := range out.Items {
			key := map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}
			if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: key}); err != nil {
				return deleted, fmt.Errorf("storage: delete inactive: %w", err)
			}
			deleted++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return deleted, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *dynamoStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pkAudit},
		"SK":         &types.AttributeValueMemberS{Value: skAtPrefix + e.At.UTC().Format(auditTimeLayout) + "#" + uuid.NewString()},
		"actor_id":   numAttr(e.ActorID),
		"actor_name": &types.AttributeValueMemberS{Value: e.ActorName},
		"action":     &types.AttributeValueMemberS{Value: e.Action},
		"target":     &types.AttributeValueMemberS{Value: e.Target},
		"kind":       &types.AttributeValueMemberS{Value: e.Kind},
		"body":       &types.AttributeValueMemberS{Value: truncateBody(e.Body)},
		"sent":       numAttr(int64(e.Sent)),
		"perm_fail":  numAttr(int64(e.PermanentlyFailed)),
		"trans_fail": numAttr(int64(e.TransientlyFailed)),
		"total":      numAttr(int64(e.Total)),
		"err":        &types.AttributeValueMemberS{Value: e.Error},
		"took_ms":    numAttr(e.TookMS),
		"ttl":        numAttr(e.At.Add(auditTTL).Unix()),
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

func (s *dynamoStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkAudit},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: recent audit: %w", err)
	}
	entries := make([]AuditEntry, 0, len(out.Items))
	for _, item := range out.Items {
		entries = append(entries, itemToAudit(item))
	}
	return entries, nil
}

func itemToAudit(item map[string]types.AttributeValue) AuditEntry {
	str := func(k string) string {
		if v, ok := item[k].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	num := func(k string) int64 {
		if v, ok := item[k].(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(v.Value, 10, 64)
			return n
		}
		return 0
	}
	e := AuditEntry{
		ActorID:           num("actor_id"),
		ActorName:         str("actor_name"),
		Action:            str("action"),
		Target:            str("target"),
		Kind:              str("kind"),
		Body:              str("body"),
		Sent:              int(num("sent")),
		PermanentlyFailed: int(num("perm_fail")),
		TransientlyFailed: int(num("trans_fail")),
		Total:             int(num("total")),
		Error:             str("err"),
		TookMS:            num("took_ms"),
	}
	if sk := strings.TrimPrefix(str("SK"), skAtPrefix); sk != "" {
		if i := strings.LastIndex(sk, "#"); i > 0 {
			e.At, _ = time.Parse(auditTimeLayout, sk[:i])
		}
	}
	return e
}
