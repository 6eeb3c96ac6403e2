package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoDBAPI is the subset of the DynamoDB client used here.
type DynamoDBAPI interface {
	ExportTableToPointInTime(ctx context.Context, params *dynamodb.ExportTableToPointInTimeInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExportTableToPointInTimeOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

func NewDynamoDBClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

type DynamoDBExporterConfig struct {
	Logger *slog.Logger
	Client DynamoDBAPI
	// TableARNPrefix is prepended to the table name to form its ARN, e.g.
	// "arn:aws:dynamodb:eu-west-1:123456789012:table/".
	TableARNPrefix string
}

func (cfg *DynamoDBExporterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("dynamodb client is required")
	}
	if cfg.TableARNPrefix == "" {
		return errors.New("table ARN prefix is required")
	}
	return nil
}

// DynamoDBExporter issues point-in-time exports to S3.
type DynamoDBExporter struct {
	log *slog.Logger
	cfg DynamoDBExporterConfig
}

func NewDynamoDBExporter(cfg DynamoDBExporterConfig) (*DynamoDBExporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DynamoDBExporter{log: cfg.Logger, cfg: cfg}, nil
}

func (e *DynamoDBExporter) Export(ctx context.Context, req Request) (string, error) {
	in := e.exportInput(req)
	out, err := e.cfg.Client.ExportTableToPointInTime(ctx, in)
	if err != nil {
		return "", err
	}
	if out.ExportDescription == nil || out.ExportDescription.ExportArn == nil {
		return "", errors.New("export accepted without an export ARN")
	}
	return *out.ExportDescription.ExportArn, nil
}

func (e *DynamoDBExporter) exportInput(req Request) *dynamodb.ExportTableToPointInTimeInput {
	in := &dynamodb.ExportTableToPointInTimeInput{
		TableArn:       aws.String(e.cfg.TableARNPrefix + req.Table),
		S3Bucket:       aws.String(req.Bucket),
		S3Prefix:       aws.String(req.Prefix),
		S3SseAlgorithm: types.S3SseAlgorithm(req.SSEAlgorithm),
		ExportFormat:   types.ExportFormat(req.Format),
		ExportType:     types.ExportType(req.Mode.ExportType()),
		ClientToken:    aws.String(clientToken(req)),
	}
	if req.Mode == ModeIncremental && req.Window != nil {
		in.IncrementalExportSpecification = &types.IncrementalExportSpecification{
			ExportFromTime: aws.Time(req.Window.From),
			ExportToTime:   aws.Time(req.Window.To),
			ExportViewType: types.ExportViewType(req.Window.ViewType),
		}
	} else {
		in.ExportTime = aws.Time(req.ExportTime)
	}
	return in
}

// clientToken makes resubmissions of the same request idempotent on the
// source side.
func clientToken(req Request) string {
	key := fmt.Sprintf("%s|%s|%s", req.Table, req.Mode, req.ExportTime.UTC().Format(time.RFC3339Nano))
	if req.Window != nil {
		key = fmt.Sprintf("%s|%s|%s", key, req.Window.From.UTC().Format(time.RFC3339Nano), req.Window.To.UTC().Format(time.RFC3339Nano))
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// TableKeys describes a source table's primary key.
type TableKeys struct {
	Table            string  `json:"-"`
	PartitionKey     string  `json:"partition_key"`
	SortKey          *string `json:"sort_key"`
	PartitionKeyType string  `json:"pk_type"`
	SortKeyType      *string `json:"sk_type"`
}

// DescribeKeys reads the partition and optional sort key of table.
func DescribeKeys(ctx context.Context, client DynamoDBAPI, table string) (*TableKeys, error) {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	if out.Table == nil {
		return nil, fmt.Errorf("table %s has no description", table)
	}

	keys := &TableKeys{Table: table}
	for _, k := range out.Table.KeySchema {
		switch k.KeyType {
		case types.KeyTypeHash:
			keys.PartitionKey = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			keys.SortKey = k.AttributeName
		}
	}
	if keys.PartitionKey == "" {
		return nil, fmt.Errorf("table %s has no partition key", table)
	}

	for _, def := range out.Table.AttributeDefinitions {
		name := aws.ToString(def.AttributeName)
		switch {
		case name == keys.PartitionKey:
			keys.PartitionKeyType = string(def.AttributeType)
		case keys.SortKey != nil && name == *keys.SortKey:
			keys.SortKeyType = aws.String(string(def.AttributeType))
		}
	}
	return keys, nil
}
