package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/multierr"
)

// Tables holds the DynamoDB table name for each record kind
type Tables struct {
	Pending     string
	Verified    string
	Communities string
}

// DefaultTables returns the table names used when none are configured
func DefaultTables() Tables {
	return Tables{
		Pending:     "bioverify_pending",
		Verified:    "bioverify_verified",
		Communities: "bioverify_communities",
	}
}

// Bootstrap creates the tables if they don't already exist.
// Safe to call on every startup.
func Bootstrap(ctx context.Context, client API, tables Tables, log *slog.Logger) error {
	var errs error
	for _, name := range []string{tables.Pending, tables.Verified} {
		errs = multierr.Append(errs, createTable(ctx, client, log, &dynamodb.CreateTableInput{
			TableName:   aws.String(name),
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(attrCommunityID), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(attrMemberID), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrCommunityID), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrMemberID), KeyType: types.KeyTypeRange},
			},
		}))
	}

	errs = multierr.Append(errs, createTable(ctx, client, log, &dynamodb.CreateTableInput{
		TableName:   aws.String(tables.Communities),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrCommunityID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrCommunityID), KeyType: types.KeyTypeHash},
		},
	}))
	return errs
}

func createTable(ctx context.Context, client API, log *slog.Logger, input *dynamodb.CreateTableInput) error {
	_, err := client.CreateTable(ctx, input)
	if err != nil {
		// ResourceInUseException means the table already exists
		var riue *types.ResourceInUseException
		if errors.As(err, &riue) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", aws.ToString(input.TableName), err)
	}
	log.Info("created table", slog.String("table", aws.ToString(input.TableName)))
	return nil
}
