package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/rs/zerolog/log"
)

// WorkerEvent is the input handed to the enhancement worker.
type WorkerEvent struct {
	JobID    string `json:"jobId"`
	Feature  string `json:"feature"`
	ImageURL string `json:"imageUrl"`
	Preset   string `json:"preset,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Color    string `json:"color,omitempty"`
}

// workerDispatcher starts a worker for one job.
type workerDispatcher interface {
	Dispatch(ctx context.Context, event WorkerEvent) error
}

type sfnAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// sfnDispatcher starts one Step Functions execution per job, named after the
// job so a retried dispatch cannot start a second execution.
type sfnDispatcher struct {
	client sfnAPI
	arn    string
}

func (d *sfnDispatcher) Dispatch(ctx context.Context, event WorkerEvent) error {
	input, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal worker event: %w", err)
	}
	_, err = d.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(d.arn),
		Input:           aws.String(string(input)),
		Name:            aws.String(event.JobID),
	})
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	log.Info().
		Str("jobId", event.JobID).
		Str("feature", event.Feature).
		Str("sfnArn", d.arn).
		Msg("Enhancement worker started via Step Functions")
	return nil
}

type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

// lambdaDispatcher invokes the worker Lambda asynchronously.
type lambdaDispatcher struct {
	client   lambdaAPI
	function string
}

func (d *lambdaDispatcher) Dispatch(ctx context.Context, event WorkerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal worker event: %w", err)
	}

	log.Debug().Int("payloadSize", len(payload)).Msg("Invoking worker Lambda asynchronously")

	_, err = d.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(d.function),
		InvocationType: lambdatypes.InvocationTypeEvent, // async: returns 202 immediately
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("invoke worker lambda: %w", err)
	}
	log.Info().
		Str("jobId", event.JobID).
		Str("feature", event.Feature).
		Msg("Enhancement worker invoked asynchronously")
	return nil
}
