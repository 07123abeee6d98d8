package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		"WARN":   zerolog.WarnLevel,
		" error": zerolog.ErrorLevel,
		"trace":  zerolog.TraceLevel,
		"":       zerolog.InfoLevel,
		"loud":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWriterFor(t *testing.T) {
	var buf bytes.Buffer
	if w := writerFor("json", &buf); w != &buf {
		t.Error("expected json format to write raw JSON")
	}
	if _, ok := writerFor("console", &buf).(zerolog.ConsoleWriter); !ok {
		t.Error("expected console format to use ConsoleWriter")
	}

	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "enhance-lambda")
	if w := writerFor("", &buf); w != &buf {
		t.Error("expected JSON by default inside Lambda")
	}
}

func TestStartupLoggerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	s := NewStartupLogger("enhance-lambda").
		CommitHash("abc123").
		DynamoTable("jobs", "enhance-jobs").
		S3Bucket("input", "").
		Redis("push", "redis.internal:6379").
		SSMParam("webhookSecret", "/enhance/webhook-secret").
		Feature("push", true).
		Config("dispatch", "sfn").
		InitDuration(150 * time.Millisecond)
	s.event(logger.Info()).Msg("start")

	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line: %v", err)
	}

	process := out["process"].(map[string]interface{})
	if process["name"] != "enhance-lambda" || process["commitHash"] != "abc123" {
		t.Errorf("unexpected process dict: %v", process)
	}
	resources := out["resources"].(map[string]interface{})
	if _, ok := resources["s3Buckets"]; ok {
		t.Error("expected empty resource values to be skipped")
	}
	if tables := resources["dynamoTables"].(map[string]interface{}); tables["jobs"] != "enhance-jobs" {
		t.Errorf("unexpected tables: %v", tables)
	}
	if redis := resources["redis"].(map[string]interface{}); redis["push"] != "redis.internal:6379" {
		t.Errorf("unexpected redis: %v", redis)
	}
	if features := out["features"].(map[string]interface{}); features["push"] != true {
		t.Errorf("unexpected features: %v", features)
	}
	if _, ok := out["initDuration"]; !ok {
		t.Error("expected initDuration")
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("ENHANCE_TEST_VALUE", "set")
	if got := EnvOrDefault("ENHANCE_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("expected env value, got %q", got)
	}
	if got := EnvOrDefault("ENHANCE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}
