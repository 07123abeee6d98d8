package main

import (
	"io"
	"net/http"
	"os"

	"github.com/fpang/enhance-studio/internal/store"
)

// Dependencies initialized at cold start. Tests replace them.
var (
	jobStore       store.JobStore
	dispatcher     workerDispatcher
	webhookHandler http.Handler
	apiKey         string

	metricsOut io.Writer = os.Stdout
)
