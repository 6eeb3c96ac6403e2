package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/replicator/replicator/pkg/capture"
	"github.com/malbeclabs/replicator/replicator/pkg/clickhouse"
	"github.com/malbeclabs/replicator/replicator/pkg/journal"
	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
	"github.com/malbeclabs/replicator/replicator/pkg/metrics"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/replicator"
	"github.com/malbeclabs/replicator/replicator/pkg/server"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
	"github.com/malbeclabs/replicator/replicator/pkg/warehouse"
	"github.com/malbeclabs/replicator/replicator/pkg/window"
	"github.com/malbeclabs/replicator/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json")
	envFileFlag := flag.String("env-file", ".env", "load environment variables from this file when it exists")

	// Replication configuration
	tableMappingFlag := flag.String("table-mapping", "", "table mapping file, YAML or JSON (or set REPLICATOR_TABLE_MAPPING env var)")
	stageFlag := flag.String("stage", "prod", "stage environment selecting the export lists (or set REPLICATOR_STAGE env var)")
	bucketFlag := flag.String("bucket", "", "export bucket (or set REPLICATOR_BUCKET env var)")
	prefixFlag := flag.String("prefix", "", "key prefix under the export bucket (or set REPLICATOR_PREFIX env var)")
	awsRegionFlag := flag.String("aws-region", "", "AWS region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "custom S3 endpoint, e.g. for MinIO (or set S3_ENDPOINT env var)")
	tableARNPrefixFlag := flag.String("table-arn-prefix", "", "source table ARN prefix, e.g. arn:aws:dynamodb:eu-west-1:123456789012:table/ (or set REPLICATOR_TABLE_ARN_PREFIX env var)")

	// Capture tuning
	maxSpanFlag := flag.Duration("max-span", window.DefaultMaxSpan, "maximum span of one incremental capture window")
	windowPauseFlag := flag.Duration("window-pause", capture.DefaultWindowPause, "pause between consecutive window requests for one table")
	lookbackFlag := flag.Duration("lookback", capture.DefaultLookback, "start of the first incremental capture for a table without a watermark")
	maxConcurrencyFlag := flag.Int("max-concurrency", capture.DefaultMaxConcurrency, "tables captured concurrently")
	exportRPSFlag := flag.Float64("export-rps", 0, "export requests per second across all tables (0 = unlimited)")
	fromFlag := flag.String("from", "", "override the watermark for --incremental-export (RFC3339)")

	// Warehouse configuration
	warehouseHostFlag := flag.String("warehouse-host", "", "warehouse host (or set WAREHOUSE_HOST env var)")
	warehousePortFlag := flag.Int("warehouse-port", warehouse.DefaultPort, "warehouse port (or set WAREHOUSE_PORT env var)")
	warehouseDatabaseFlag := flag.String("warehouse-database", "", "warehouse database (or set WAREHOUSE_DATABASE env var)")
	warehouseUserFlag := flag.String("warehouse-user", "", "warehouse user (or set WAREHOUSE_USER env var)")
	warehousePasswordFlag := flag.String("warehouse-password", "", "warehouse password (or set WAREHOUSE_PASSWORD env var)")
	warehouseSSLModeFlag := flag.String("warehouse-sslmode", "require", "warehouse sslmode (or set WAREHOUSE_SSLMODE env var)")
	warehouseSecretIDFlag := flag.String("warehouse-secret-id", "", "Secrets Manager secret holding warehouse credentials (or set WAREHOUSE_SECRET_ID env var)")
	warehouseSchemaFlag := flag.String("warehouse-schema", "", "schema for unqualified target tables, overrides the mapping file (or set WAREHOUSE_SCHEMA env var)")
	connectTimeoutFlag := flag.Duration("warehouse-connect-timeout", 30*time.Second, "warehouse connect timeout")

	// ClickHouse configuration (run journal)
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); journal is disabled when empty (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Serve options
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address for --serve (or set REPLICATOR_LISTEN_ADDR env var)")
	fullScheduleFlag := flag.String("full-schedule", trigger.DefaultFullSchedule, "cron schedule (UTC) for full captures, '-' disables")
	incrementalScheduleFlag := flag.String("incremental-schedule", trigger.DefaultIncrementalSchedule, "cron schedule (UTC) for incremental captures, '-' disables")
	captureTimeoutFlag := flag.Duration("capture-timeout", time.Hour, "maximum duration of one scheduled capture")
	chainLoadsFlag := flag.Bool("chain-loads", false, "load a manifest as soon as the transform writes it")

	// Commands
	fullExportFlag := flag.Bool("full-export", false, "request a full export of every full-export table")
	incrementalExportFlag := flag.Bool("incremental-export", false, "request incremental exports of every incremental-export table")
	transformFlag := flag.String("transform", "", "transform the export whose summary is at this key")
	loadFlag := flag.String("load", "", "load the manifest at this key")
	serveFlag := flag.Bool("serve", false, "run the scheduler and the object notification server")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse journal migrations using goose")
	describeKeysFlag := flag.String("describe-keys", "", "print the partition and sort key of a source table")

	flag.Parse()

	if *envFileFlag != "" {
		if _, err := os.Stat(*envFileFlag); err == nil {
			if err := godotenv.Load(*envFileFlag); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
			}
		}
	}

	format, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithFormat(os.Stdout, format, *verboseFlag)

	// Override flags with environment variables if set
	envString(tableMappingFlag, "REPLICATOR_TABLE_MAPPING")
	envString(stageFlag, "REPLICATOR_STAGE")
	envString(bucketFlag, "REPLICATOR_BUCKET")
	envString(prefixFlag, "REPLICATOR_PREFIX")
	envString(awsRegionFlag, "AWS_REGION")
	envString(s3EndpointFlag, "S3_ENDPOINT")
	envString(tableARNPrefixFlag, "REPLICATOR_TABLE_ARN_PREFIX")
	envString(warehouseHostFlag, "WAREHOUSE_HOST")
	envString(warehouseDatabaseFlag, "WAREHOUSE_DATABASE")
	envString(warehouseUserFlag, "WAREHOUSE_USER")
	envString(warehousePasswordFlag, "WAREHOUSE_PASSWORD")
	envString(warehouseSSLModeFlag, "WAREHOUSE_SSLMODE")
	envString(warehouseSecretIDFlag, "WAREHOUSE_SECRET_ID")
	envString(warehouseSchemaFlag, "WAREHOUSE_SCHEMA")
	envString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	envString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	envString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	envString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	envString(listenAddrFlag, "REPLICATOR_LISTEN_ADDR")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if v := os.Getenv("WAREHOUSE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WAREHOUSE_PORT %q: %w", v, err)
		}
		*warehousePortFlag = port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	chCfg := clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	// Commands that need no pipeline
	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(ctx, log, chCfg)
	}

	if *describeKeysFlag != "" {
		client, err := capture.NewDynamoDBClient(ctx, *awsRegionFlag)
		if err != nil {
			return err
		}
		keys, err := capture.DescribeKeys(ctx, client, *describeKeysFlag)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if !*fullExportFlag && !*incrementalExportFlag && *transformFlag == "" && *loadFlag == "" && !*serveFlag {
		flag.Usage()
		return errors.New("no command given")
	}

	// Shared configuration
	if *tableMappingFlag == "" {
		return errors.New("--table-mapping is required")
	}
	if *bucketFlag == "" {
		return errors.New("--bucket is required")
	}
	mapping, err := tablespec.LoadFile(*tableMappingFlag)
	if err != nil {
		return err
	}
	registry, err := mapping.Registry(*warehouseSchemaFlag)
	if err != nil {
		return err
	}
	exports, err := mapping.ExportLists(*stageFlag, registry)
	if err != nil {
		return err
	}

	s3Client, err := objectstore.NewS3Client(ctx, *awsRegionFlag, *s3EndpointFlag)
	if err != nil {
		return err
	}
	store, err := objectstore.NewS3(objectstore.S3Config{
		Logger:       log,
		Client:       s3Client,
		Bucket:       *bucketFlag,
		SSEAlgorithm: capture.SSEAlgorithmAES256,
	})
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	rcfg := replicator.Config{
		Logger:  log,
		Store:   store,
		Exports: exports,
	}

	// Run journal
	var events server.EventReader
	if *clickhouseAddrFlag != "" {
		chClient, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return fmt.Errorf("failed to create clickhouse client: %w", err)
		}
		defer chClient.Close()
		j, err := journal.NewClickHouse(journal.ClickHouseConfig{Logger: log, Client: chClient})
		if err != nil {
			return err
		}
		rcfg.Journal = j
		events = j
	}

	// Capture stage
	if *fullExportFlag || *incrementalExportFlag || *serveFlag {
		if *tableARNPrefixFlag == "" {
			return errors.New("--table-arn-prefix is required for capture")
		}
		ddb, err := capture.NewDynamoDBClient(ctx, *awsRegionFlag)
		if err != nil {
			return err
		}
		exporter, err := capture.NewDynamoDBExporter(capture.DynamoDBExporterConfig{
			Logger:         log,
			Client:         ddb,
			TableARNPrefix: *tableARNPrefixFlag,
		})
		if err != nil {
			return err
		}
		coord, err := capture.New(capture.Config{
			Logger:            log,
			Exporter:          exporter,
			Watermarks:        capture.NewObjectWatermarkStore(store, *prefixFlag),
			Bucket:            *bucketFlag,
			Prefix:            *prefixFlag,
			MaxSpan:           *maxSpanFlag,
			WindowPause:       *windowPauseFlag,
			Lookback:          *lookbackFlag,
			MaxConcurrency:    *maxConcurrencyFlag,
			RequestsPerSecond: *exportRPSFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create capture coordinator: %w", err)
		}
		rcfg.Capture = coord
	}

	// Transform stage
	if *transformFlag != "" || *serveFlag {
		tr, err := manifest.NewTransformer(manifest.Config{Logger: log, Store: store, Registry: registry})
		if err != nil {
			return fmt.Errorf("failed to create transformer: %w", err)
		}
		rcfg.Transformer = tr
	}

	// Load stage
	var connector *warehouse.PgxConnector
	var creds warehouse.CredentialsProvider
	if *loadFlag != "" || *serveFlag {
		if *warehouseSecretIDFlag != "" {
			awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(*awsRegionFlag))
			if err != nil {
				return fmt.Errorf("failed to load AWS config: %w", err)
			}
			creds = &warehouse.SecretsManagerCredentials{
				Client:   secretsmanager.NewFromConfig(awsCfg),
				SecretID: *warehouseSecretIDFlag,
				Database: *warehouseDatabaseFlag,
				SSLMode:  *warehouseSSLModeFlag,
			}
		} else {
			creds = warehouse.StaticCredentials{
				Host:     *warehouseHostFlag,
				Port:     *warehousePortFlag,
				Database: *warehouseDatabaseFlag,
				User:     *warehouseUserFlag,
				Password: *warehousePasswordFlag,
				SSLMode:  *warehouseSSLModeFlag,
			}
		}
		connector = &warehouse.PgxConnector{ConnectTimeout: *connectTimeoutFlag}
		loader, err := warehouse.NewLoader(warehouse.Config{
			Logger:      log,
			Store:       store,
			Registry:    registry,
			Connector:   connector,
			Credentials: creds,
		})
		if err != nil {
			return fmt.Errorf("failed to create loader: %w", err)
		}
		rcfg.Loader = loader
	}

	r, err := replicator.New(rcfg)
	if err != nil {
		return err
	}

	// Execute commands
	if *serveFlag {
		return r.Serve(ctx, replicator.ServeConfig{
			ListenAddr:          *listenAddrFlag,
			VersionInfo:         server.VersionInfo{Version: version, Commit: commit, Date: date},
			Bucket:              *bucketFlag,
			FullSchedule:        *fullScheduleFlag,
			IncrementalSchedule: *incrementalScheduleFlag,
			CaptureTimeout:      *captureTimeoutFlag,
			ChainLoads:          *chainLoadsFlag,
			Events:              events,
			Ready: func(ctx context.Context) error {
				return warehouse.Ping(ctx, connector, creds)
			},
		})
	}

	if *fullExportFlag {
		if err := r.RunCapture(ctx, capture.ModeFull); err != nil {
			return err
		}
	}

	if *incrementalExportFlag {
		var opts capture.RunOptions
		if *fromFlag != "" {
			from, err := time.Parse(time.RFC3339, *fromFlag)
			if err != nil {
				return fmt.Errorf("invalid from format (use RFC3339, e.g. 2024-01-01T00:00:00Z): %w", err)
			}
			opts.From = from
		}
		if _, err := r.RunCaptureWithOptions(ctx, capture.ModeIncremental, opts); err != nil {
			return err
		}
	}

	if *transformFlag != "" {
		manifestKey, err := r.RunTransform(ctx, *transformFlag)
		if err != nil {
			return err
		}
		if manifestKey == "" {
			log.Info("export has no data", "summary", *transformFlag)
		} else {
			log.Info("load manifest written", "key", manifestKey)
		}
	}

	if *loadFlag != "" {
		if err := r.RunLoad(ctx, *loadFlag); err != nil {
			return err
		}
	}

	return nil
}

func envString(flagValue *string, name string) {
	if v := os.Getenv(name); v != "" {
		*flagValue = v
	}
}
