// Package lambdaboot holds the cold-start bootstrap shared by the
// entrypoints: AWS config, SSM secret loading, store and adapter wiring,
// and the startup log.
package lambdaboot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/config"
	"github.com/fpang/tryon-studio/internal/logging"
	"github.com/fpang/tryon-studio/internal/provider"
)

// apiGatewayTimeout is the API Gateway integration timeout.
const apiGatewayTimeout = 29 * time.Second

// AWSClients holds the core AWS SDK clients.
type AWSClients struct {
	Config      aws.Config
	SSM         *ssm.Client
	S3          *s3.Client
	DynamoDB    *dynamodb.Client
	EventBridge *eventbridge.Client
}

// InitAWS loads the default AWS config and creates the service clients.
// Fatals if the config cannot be loaded.
func InitAWS(ctx context.Context) AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config:      cfg,
		SSM:         ssm.NewFromConfig(cfg),
		S3:          s3.NewFromConfig(cfg),
		DynamoDB:    dynamodb.NewFromConfig(cfg),
		EventBridge: eventbridge.NewFromConfig(cfg),
	}
}

// ParameterAPI is the subset of the SSM client used to load secrets.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret returns the environment value when set, otherwise the
// decrypted SSM parameter at paramPath.
func LoadSecret(ctx context.Context, client ParameterAPI, envValue, paramPath string) (string, error) {
	if envValue != "" {
		return envValue, nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramPath),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", paramPath, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", paramPath)
	}
	log.Debug().Str("param", paramPath).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// LoadProviderSecrets fills the provider credentials in cfg from SSM when
// they are not set in the environment. Fatals on error.
func LoadProviderSecrets(ctx context.Context, client ParameterAPI, cfg *config.Config) {
	var err error
	if cfg.TryOnToken, err = LoadSecret(ctx, client, cfg.TryOnToken, cfg.TryOnTokenParam); err != nil {
		log.Fatal().Err(err).Msg("Failed to load try-on API token")
	}
	if cfg.CompositeKey, err = LoadSecret(ctx, client, cfg.CompositeKey, cfg.CompositeKeyParam); err != nil {
		log.Fatal().Err(err).Msg("Failed to load composite API key")
	}
}

// MustLoadConfig loads the configuration and fatals on invalid values.
func MustLoadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	return cfg
}

// RequireTable fatals when no DynamoDB table is configured.
func RequireTable(cfg config.Config) {
	if cfg.TableName == "" {
		log.Fatal().Str("envVar", "GENERATIONS_TABLE_NAME").Msg("DynamoDB table environment variable is required")
	}
}

// StartupLog returns a startup logger pre-filled with the resources and
// settings in cfg. On Lambda it also warns when composite wait mode can hold
// a status check past the API Gateway timeout.
func StartupLog(name string, initStart time.Time, cfg config.Config) *logging.StartupLogger {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		if limit, ok := compositeWaitExceedsGateway(cfg); ok {
			log.Warn().
				Str("function", name).
				Dur("waitTimeout", limit).
				Dur("apiGatewayTimeout", apiGatewayTimeout).
				Msg("COMPOSITE_WAIT is enabled: composite status checks can block past the API Gateway timeout")
		}
	}
	sl := logging.NewStartupLogger(name).
		CommitHash(os.Getenv("COMMIT_HASH")).
		InitDuration(time.Since(initStart)).
		S3Bucket("tryOn", cfg.Buckets.TryOn).
		S3Bucket("composite", cfg.Buckets.Composite).
		S3Bucket("staging", cfg.StagingBucket).
		SSMParam("tryOnToken", cfg.TryOnTokenParam).
		SSMParam("compositeKey", cfg.CompositeKeyParam).
		Feature("events", cfg.PublishEvents).
		Feature("compositeWait", cfg.CompositeWait).
		Config("compositeModel", cfg.CompositeModel).
		Config("signedUrlExpiry", cfg.SignedURLExpiry.String()).
		Config("staleAfter", cfg.StaleAfter.String())
	if cfg.TableName != "" {
		sl.DynamoTable("generations", cfg.TableName)
	}
	if cfg.PublishEvents {
		bus := cfg.EventBusName
		if bus == "" {
			bus = "default"
		}
		sl.EventBus("generations", bus)
	}
	return sl
}

// compositeWaitExceedsGateway reports the effective composite wait timeout
// and whether it outlasts the API Gateway integration timeout.
func compositeWaitExceedsGateway(cfg config.Config) (time.Duration, bool) {
	if !cfg.CompositeWait {
		return 0, false
	}
	limit := cfg.CompositeWaitTimeout
	if limit <= 0 {
		limit = provider.DefaultWaitTimeout
	}
	return limit, limit >= apiGatewayTimeout
}
