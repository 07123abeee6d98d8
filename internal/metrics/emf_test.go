package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// setFunctionName pins the cached Lambda function name for a test.
func setFunctionName(t *testing.T, name string) {
	t.Helper()
	initOnce.Do(func() {})
	functionName = name
	t.Cleanup(func() { functionName = "" })
}

func TestNew_AutoDimension(t *testing.T) {
	setFunctionName(t, "enhance-lambda")

	r := New(Namespace)
	if r.namespace != Namespace {
		t.Errorf("expected namespace %s, got %s", Namespace, r.namespace)
	}
	if r.dimensions["FunctionName"] != "enhance-lambda" {
		t.Errorf("expected FunctionName dimension enhance-lambda, got %s", r.dimensions["FunctionName"])
	}
}

func TestRecorder_FlushOutput(t *testing.T) {
	setFunctionName(t, "")

	var buf bytes.Buffer
	New(Namespace).
		To(&buf).
		Dimension("Outcome", "completed").
		Dimension("Channel", "poll").
		Duration(ResolveLatency, 1234500*time.Microsecond).
		Count(Resolutions).
		Property("jobId", "enh-abc").
		Flush()

	output := buf.String()
	if strings.Count(output, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", output)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, output)
	}

	awsMap, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsMap["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}
	cwArr, ok := awsMap["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) != 1 {
		t.Fatal("CloudWatchMetrics should hold one entry")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}

	dims := cw["Dimensions"].([]interface{})[0].([]interface{})
	if len(dims) != 2 || dims[0] != "Channel" || dims[1] != "Outcome" {
		t.Errorf("expected sorted dimensions [Channel Outcome], got %v", dims)
	}

	if doc["Outcome"] != "completed" || doc["Channel"] != "poll" {
		t.Errorf("unexpected dimension values: %v / %v", doc["Outcome"], doc["Channel"])
	}
	if doc[ResolveLatency] != 1234.5 {
		t.Errorf("expected %s=1234.5, got %v", ResolveLatency, doc[ResolveLatency])
	}
	if doc[Resolutions] != float64(1) {
		t.Errorf("expected %s=1, got %v", Resolutions, doc[Resolutions])
	}
	if doc["jobId"] != "enh-abc" {
		t.Errorf("expected jobId=enh-abc, got %v", doc["jobId"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	var buf bytes.Buffer
	New("Test").To(&buf).Dimension("Op", "noop").Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output for recorder without metrics, got: %s", buf.String())
	}
}

func TestRecorder_NilWriter(t *testing.T) {
	// Must not panic.
	New("Test").To(nil).Count(Submissions).Flush()
}

func TestRecorder_Count(t *testing.T) {
	setFunctionName(t, "")
	rec := New("Test").Count(CacheHits)

	if v, ok := rec.values[CacheHits]; !ok || v != 1 {
		t.Errorf("expected %s=1, got %v", CacheHits, v)
	}
	if m := rec.metrics[CacheHits]; m.Unit != UnitCount {
		t.Errorf("expected unit Count, got %v", m.Unit)
	}
}
