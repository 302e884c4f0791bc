package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// expiresAtAttr is a numeric copy of ExpiresAt used by the sweep filter
const expiresAtAttr = "ExpiresAtUnixMilli"

// DynamoDBStore implements Store using AWS DynamoDB. Conditional updates are
// PutItem calls guarded by a ConditionExpression on Status and Version.
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// Build the local client directly; LoadDefaultConfig probes the EC2
		// IMDS endpoint, which hangs when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.Mode == DynamoModeLocal {
		if err := CreateQueriesTableIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.QueriesTable).
		Msg("DynamoDB store initialized")

	return store, nil
}

// CreateQuery puts a new item unless the case id is taken
func (s *DynamoDBStore) CreateQuery(ctx context.Context, q *types.Query) error {
	item, err := marshalQueryItem(q)
	if err != nil {
		return err
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("CaseID"))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.QueriesTable),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to save query: %w", err)
	}
	return nil
}

// GetQuery reads one item with strong consistency
func (s *DynamoDBStore) GetQuery(ctx context.Context, tenantID, caseID string) (*types.Query, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.QueriesTable),
		Key:            queryKey(tenantID, caseID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get query: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrNotFound
	}

	var q types.Query
	if err := attributevalue.UnmarshalMap(result.Item, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query: %w", err)
	}
	return &q, nil
}

// UpdateQuery replaces the item if its Status and Version still match cond
func (s *DynamoDBStore) UpdateQuery(ctx context.Context, q *types.Query, cond Condition) error {
	next := q.Clone()
	next.Version = cond.Version + 1
	item, err := marshalQueryItem(next)
	if err != nil {
		return err
	}

	expr, err := conditionExpression(cond)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.config.QueriesTable),
		Item:                                item,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: dbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to update query: %w", err)
	}

	q.Version = next.Version
	return nil
}

// ListQueries queries one tenant partition. Without a tenant, an expiry
// filter reads the expiry index per status and anything else scans the table.
func (s *DynamoDBStore) ListQueries(ctx context.Context, filter Filter) ([]types.Query, error) {
	var (
		out []types.Query
		err error
	)
	switch {
	case filter.TenantID != "":
		out, err = s.queryTenant(ctx, filter)
	case len(filter.Statuses) > 0 && !filter.ExpiresBefore.IsZero():
		out, err = s.queryExpiry(ctx, filter)
	default:
		out, err = s.scan(ctx, filter)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = []types.Query{}
	}
	return out, nil
}

// fetchPage reads one page starting at startKey
type fetchPage func(startKey map[string]dbtypes.AttributeValue) ([]map[string]dbtypes.AttributeValue, map[string]dbtypes.AttributeValue, error)

// drain follows LastEvaluatedKey until fetch returns the last page
func drain(fetch fetchPage) ([]types.Query, error) {
	var (
		out      []types.Query
		startKey map[string]dbtypes.AttributeValue
	)
	for {
		items, lastKey, err := fetch(startKey)
		if err != nil {
			return nil, err
		}

		var page []types.Query
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queries: %w", err)
		}
		out = append(out, page...)

		if len(lastKey) == 0 {
			return out, nil
		}
		startKey = lastKey
	}
}

func (s *DynamoDBStore) queryTenant(ctx context.Context, filter Filter) ([]types.Query, error) {
	expr, hasFilter, err := listExpression(filter)
	if err != nil {
		return nil, err
	}
	return drain(func(startKey map[string]dbtypes.AttributeValue) ([]map[string]dbtypes.AttributeValue, map[string]dbtypes.AttributeValue, error) {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.config.QueriesTable),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		}
		if hasFilter {
			input.FilterExpression = expr.Filter()
		}
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to query queries: %w", err)
		}
		return result.Items, result.LastEvaluatedKey, nil
	})
}

// queryExpiry reads the overdue range of the expiry index once per status
func (s *DynamoDBStore) queryExpiry(ctx context.Context, filter Filter) ([]types.Query, error) {
	var out []types.Query
	for _, status := range filter.Statuses {
		expr, hasFilter, err := expiryExpression(status, filter)
		if err != nil {
			return nil, err
		}
		page, err := drain(func(startKey map[string]dbtypes.AttributeValue) ([]map[string]dbtypes.AttributeValue, map[string]dbtypes.AttributeValue, error) {
			input := &dynamodb.QueryInput{
				TableName:                 aws.String(s.config.QueriesTable),
				IndexName:                 aws.String(expiryIndex),
				KeyConditionExpression:    expr.KeyCondition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
				ExclusiveStartKey:         startKey,
			}
			if hasFilter {
				input.FilterExpression = expr.Filter()
			}
			result, err := s.client.Query(ctx, input)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to query expiry index: %w", err)
			}
			return result.Items, result.LastEvaluatedKey, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

func (s *DynamoDBStore) scan(ctx context.Context, filter Filter) ([]types.Query, error) {
	expr, hasFilter, err := listExpression(filter)
	if err != nil {
		return nil, err
	}
	return drain(func(startKey map[string]dbtypes.AttributeValue) ([]map[string]dbtypes.AttributeValue, map[string]dbtypes.AttributeValue, error) {
		input := &dynamodb.ScanInput{
			TableName:         aws.String(s.config.QueriesTable),
			ExclusiveStartKey: startKey,
		}
		if hasFilter {
			input.FilterExpression = expr.Filter()
			input.ExpressionAttributeNames = expr.Names()
			input.ExpressionAttributeValues = expr.Values()
		}
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan queries: %w", err)
		}
		return result.Items, result.LastEvaluatedKey, nil
	})
}

// Close is a no-op; the SDK client holds no connections that need closing
func (s *DynamoDBStore) Close(context.Context) error {
	return nil
}

func queryKey(tenantID, caseID string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"TenantID": &dbtypes.AttributeValueMemberS{Value: tenantID},
		"CaseID":   &dbtypes.AttributeValueMemberS{Value: caseID},
	}
}

func marshalQueryItem(q *types.Query) (map[string]dbtypes.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	item[expiresAtAttr] = &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(q.ExpiresAt.UnixMilli(), 10)}
	return item, nil
}

func statusIn(statuses []types.QueryStatus) expression.ConditionBuilder {
	operands := make([]expression.OperandBuilder, len(statuses))
	for i, s := range statuses {
		operands[i] = expression.Value(string(s))
	}
	return expression.Name("Status").In(operands[0], operands[1:]...)
}

func conditionExpression(cond Condition) (expression.Expression, error) {
	if len(cond.Statuses) == 0 {
		return expression.Expression{}, fmt.Errorf("condition needs at least one status")
	}
	guard := statusIn(cond.Statuses).
		And(expression.Name("Version").Equal(expression.Value(cond.Version)))

	expr, err := expression.NewBuilder().WithCondition(guard).Build()
	if err != nil {
		return expression.Expression{}, fmt.Errorf("failed to build expression: %w", err)
	}
	return expr, nil
}

// expiryExpression selects items of one status that expire before
// filter.ExpiresBefore on the expiry index. The bool result reports whether a
// filter expression was set.
func expiryExpression(status types.QueryStatus, filter Filter) (expression.Expression, bool, error) {
	key := expression.Key("Status").Equal(expression.Value(string(status))).
		And(expression.Key(expiresAtAttr).LessThan(expression.Value(filter.ExpiresBefore.UnixMilli())))
	builder := expression.NewBuilder().WithKeyCondition(key)

	hasFilter := filter.Handler != ""
	if hasFilter {
		builder = builder.WithFilter(expression.Name("AssignedHandler").Equal(expression.Value(filter.Handler)))
	}
	expr, err := builder.Build()
	if err != nil {
		return expression.Expression{}, false, fmt.Errorf("failed to build expression: %w", err)
	}
	return expr, hasFilter, nil
}

// listExpression builds the key condition and filter for ListQueries. The
// bool result reports whether a filter expression was set.
func listExpression(filter Filter) (expression.Expression, bool, error) {
	var conds []expression.ConditionBuilder
	if len(filter.Statuses) > 0 {
		conds = append(conds, statusIn(filter.Statuses))
	}
	if filter.Handler != "" {
		conds = append(conds, expression.Name("AssignedHandler").Equal(expression.Value(filter.Handler)))
	}
	if !filter.ExpiresBefore.IsZero() {
		conds = append(conds, expression.Name(expiresAtAttr).LessThan(expression.Value(filter.ExpiresBefore.UnixMilli())))
	}

	if filter.TenantID == "" && len(conds) == 0 {
		return expression.Expression{}, false, nil
	}

	builder := expression.NewBuilder()
	if filter.TenantID != "" {
		builder = builder.WithKeyCondition(expression.Key("TenantID").Equal(expression.Value(filter.TenantID)))
	}
	switch len(conds) {
	case 0:
	case 1:
		builder = builder.WithFilter(conds[0])
	default:
		builder = builder.WithFilter(conds[0].And(conds[1], conds[2:]...))
	}

	expr, err := builder.Build()
	if err != nil {
		return expression.Expression{}, false, fmt.Errorf("failed to build expression: %w", err)
	}
	return expr, len(conds) > 0, nil
}
