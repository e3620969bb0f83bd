package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/digiblynk/pumpcore/internal/infrastructure/config"
)

// ErrTableNotFound is returned by HealthCheck when the table is missing.
var ErrTableNotFound = errors.New("dynamodb: table not found")

// KeyAttribute is the table's partition key.
const KeyAttribute = "device_id"

// Connect builds a DynamoDB client from the default AWS credential chain.
// cfg.Region overrides the chain's region and cfg.Endpoint points the
// client at DynamoDB Local or another compatible endpoint.
func Connect(ctx context.Context, cfg config.DynamoDBConfig) (*awsdynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// TableAPI is the subset of *dynamodb.Client used for table management.
type TableAPI interface {
	DescribeTable(ctx context.Context, in *awsdynamodb.DescribeTableInput, opts ...func(*awsdynamodb.Options)) (*awsdynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *awsdynamodb.CreateTableInput, opts ...func(*awsdynamodb.Options)) (*awsdynamodb.CreateTableOutput, error)
}

// Table readiness polling. Variables so tests can shorten them.
var (
	tableActiveTimeout = 5 * time.Minute
	tableWaitMinDelay  = 2 * time.Second
	tableWaitMaxDelay  = 20 * time.Second
)

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

// HealthCheck verifies the table exists and is reachable.
func HealthCheck(ctx context.Context, api TableAPI, table string) error {
	_, err := api.DescribeTable(ctx, &awsdynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return fmt.Errorf("dynamodb health check: %w", err)
	}
	return nil
}

// EnsureTable creates the state table with on-demand billing if it does
// not exist, then blocks until the table is ACTIVE so the first read or
// write cannot hit a table that is still being created. It reports
// whether this call created the table.
func EnsureTable(ctx context.Context, api TableAPI, table string) (bool, error) {
	out, err := api.DescribeTable(ctx, &awsdynamodb.DescribeTableInput{TableName: aws.String(table)})
	switch {
	case err == nil:
		if out.Table != nil && out.Table.TableStatus == types.TableStatusActive {
			return false, nil
		}
		return false, waitActive(ctx, api, table)
	case !isNotFound(err):
		return false, fmt.Errorf("describing table %s: %w", table, err)
	}

	created := true
	_, err = api.CreateTable(ctx, &awsdynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(KeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(KeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		// Another process is creating it.
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return false, fmt.Errorf("creating table %s: %w", table, err)
		}
		created = false
	}

	return created, waitActive(ctx, api, table)
}

func waitActive(ctx context.Context, api TableAPI, table string) error {
	waiter := awsdynamodb.NewTableExistsWaiter(api, func(o *awsdynamodb.TableExistsWaiterOptions) {
		o.MinDelay = tableWaitMinDelay
		o.MaxDelay = tableWaitMaxDelay
	})
	err := waiter.Wait(ctx, &awsdynamodb.DescribeTableInput{TableName: aws.String(table)}, tableActiveTimeout)
	if err != nil {
		return fmt.Errorf("waiting for table %s to become active: %w", table, err)
	}
	return nil
}
