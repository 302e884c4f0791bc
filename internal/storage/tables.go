package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// expiryIndex partitions queries by Status and sorts them by expiry, so the
// sweeper reads only the overdue slice of each live status
const expiryIndex = "StatusExpiresIndex"

// queriesTableInput describes the queries table: one partition per tenant,
// one item per case, plus the expiry index
func queriesTableInput(name string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String("TenantID"), KeyType: dbtypes.KeyTypeHash},
			{AttributeName: aws.String("CaseID"), KeyType: dbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String("TenantID"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("CaseID"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("Status"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(expiresAtAttr), AttributeType: dbtypes.ScalarAttributeTypeN},
		},
		GlobalSecondaryIndexes: []dbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(expiryIndex),
				KeySchema: []dbtypes.KeySchemaElement{
					{AttributeName: aws.String("Status"), KeyType: dbtypes.KeyTypeHash},
					{AttributeName: aws.String(expiresAtAttr), KeyType: dbtypes.KeyTypeRange},
				},
				Projection: &dbtypes.Projection{ProjectionType: dbtypes.ProjectionTypeAll},
			},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	}
}

// CreateQueriesTableIfNotExist creates the queries table for local development
func CreateQueriesTableIfNotExist(ctx context.Context, client *dynamodb.Client, config DynamoConfig, logger zerolog.Logger) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(config.QueriesTable),
	})
	if err == nil {
		logger.Info().Str("table", config.QueriesTable).Msg("table already exists")
		return nil
	}

	if _, err := client.CreateTable(ctx, queriesTableInput(config.QueriesTable)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", config.QueriesTable, err)
	}
	logger.Info().
		Str("table", config.QueriesTable).
		Str("index", expiryIndex).
		Msg("table created")
	return nil
}
