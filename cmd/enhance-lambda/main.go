// Package main provides the Lambda entry point for the enhancement backend.
//
// Endpoints:
//
//	GET  /api/health               health check (no auth required)
//	POST /api/enhance/submit       create (or reuse) an enhancement job
//	GET  /api/enhance/{id}/status  poll a job's status
//	POST /api/enhance/webhook      worker status callback (HMAC-signed)
//
// Jobs live in DynamoDB. Workers are started through Step Functions or an
// async Lambda invoke, and report back through the webhook, which also
// publishes each transition over Redis for push subscribers.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/config"
	"github.com/fpang/enhance-studio/internal/lambdaboot"
	"github.com/fpang/enhance-studio/internal/logging"
	"github.com/fpang/enhance-studio/internal/pushsub"
	"github.com/fpang/enhance-studio/internal/webhook"
)

// Set at build time via -ldflags.
var (
	commitHash = "dev"
	buildTime  = ""
)

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load(config.New(), "")
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	aws := lambdaboot.InitAWS()
	ddb := lambdaboot.InitDynamo(aws.Config, cfg.AWS.Table)
	jobStore = ddb

	switch {
	case cfg.AWS.StateMachineARN != "":
		dispatcher = &sfnDispatcher{client: lambdaboot.InitSFN(aws.Config), arn: cfg.AWS.StateMachineARN}
	case cfg.AWS.WorkerFunction != "":
		dispatcher = &lambdaDispatcher{client: lambdaboot.InitLambda(aws.Config), function: cfg.AWS.WorkerFunction}
	default:
		log.Warn().Msg("No worker dispatch configured, jobs will stay queued")
	}

	ctx := context.Background()
	secret, err := lambdaboot.LoadSecret(ctx, aws.SSM, "ENHANCE_WEBHOOK_SECRET", cfg.AWS.WebhookSecretParam)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load webhook secret")
	}
	if secret == "" {
		log.Fatal().Msg("Webhook secret is required")
	}
	apiKey, err = lambdaboot.LoadSecret(ctx, aws.SSM, "ENHANCE_API_KEY", cfg.AWS.APIKeyParam)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load API key")
	}

	var notifier webhook.Notifier
	redisAddr := ""
	if rdb := lambdaboot.InitRedis(cfg.Redis.URL); rdb != nil {
		notifier = pushsub.NewPublisher(rdb)
		redisAddr = rdb.Options().Addr
	}
	webhookHandler = webhook.NewHandler(secret, ddb, notifier)

	lambdaboot.StartupLog("enhance-lambda", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		DynamoTable("jobs", cfg.AWS.Table).
		StateMachine("worker", cfg.AWS.StateMachineARN).
		LambdaFunc("worker", cfg.AWS.WorkerFunction).
		SSMParam("webhookSecret", cfg.AWS.WebhookSecretParam).
		SSMParam("apiKey", cfg.AWS.APIKeyParam).
		Redis("push", redisAddr).
		Feature("push", notifier != nil).
		Feature("apiKey", apiKey != "").
		Log()
}

func newMux() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/enhance/submit", handleSubmit)
	api.HandleFunc("/api/enhance/", handleEnhanceRoutes)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handleHealth)
	mux.Handle("/api/enhance/webhook", webhookHandler)
	mux.Handle("/api/", withAPIKey(api))
	return withMetrics(mux)
}

func main() {
	adapter := httpadapter.NewV2(newMux())
	lambda.Start(adapter.ProxyWithContext)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "enhance-studio",
	})
}
