// Package lambdaboot provides shared cold-start bootstrap for the Lambda
// entry points: AWS config, DynamoDB, S3, SSM secrets, Redis and the worker
// dispatch clients. Each main package's init() is a short composition of
// these helpers.
package lambdaboot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/logging"
	"github.com/fpang/enhance-studio/internal/store"
)

// AWSClients holds the loaded AWS config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// S3Clients holds S3 client, presigner, and bucket name.
type S3Clients struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
	Bucket    string
}

// InitAWS loads the default AWS config and returns it along with an SSM client.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitS3 creates an S3 client and presigner for bucket. It returns nil when
// bucket is empty.
func InitS3(cfg aws.Config, bucket string) *S3Clients {
	if bucket == "" {
		log.Warn().Msg("S3 bucket not set, local image staging disabled")
		return nil
	}
	client := s3.NewFromConfig(cfg)
	return &S3Clients{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    bucket,
	}
}

// InitDynamo creates the job store. Fatals if table is empty.
func InitDynamo(cfg aws.Config, table string) *store.DynamoStore {
	if table == "" {
		log.Fatal().Msg("DynamoDB table name is required")
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), table)
}

// InitSFN creates a Step Functions client.
func InitSFN(cfg aws.Config) *sfn.Client {
	return sfn.NewFromConfig(cfg)
}

// InitLambda creates a Lambda client for async worker invocation.
func InitLambda(cfg aws.Config) *lambda.Client {
	return lambda.NewFromConfig(cfg)
}

// InitRedis connects to the Redis URL (redis:// or rediss://) and pings it.
// It returns nil when url is empty or the server is unreachable; callers
// then run without push notifications.
func InitRedis(url string) *goredis.Client {
	if url == "" {
		log.Warn().Msg("Redis URL not set, push notifications disabled")
		return nil
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		log.Error().Err(err).Msg("Invalid Redis URL, push notifications disabled")
		return nil
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unreachable, push notifications disabled")
		client.Close()
		return nil
	}
	log.Debug().Str("addr", opts.Addr).Msg("Redis connected")
	return client
}

// SSMAPI is the subset of *ssm.Client used to read secrets.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret returns the environment variable envVar if set, otherwise the
// decrypted SSM parameter param. An empty param with no env value returns
// an empty secret.
func LoadSecret(ctx context.Context, client SSMAPI, envVar, param string) (string, error) {
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	if param == "" {
		return "", nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &param,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", param, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", param)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return *result.Parameter.Value, nil
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
