// Package main provides a command-line client that submits one image
// enhancement and follows it to completion.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/enhance-studio/internal/config"
	"github.com/fpang/enhance-studio/internal/enhance"
	"github.com/fpang/enhance-studio/internal/lambdaboot"
	"github.com/fpang/enhance-studio/internal/logging"
	"github.com/fpang/enhance-studio/internal/pushsub"
	"github.com/fpang/enhance-studio/internal/s3util"
)

// CLI flags
var (
	featureFlag string
	imageFlag   string
	presetFlag  string
	promptFlag  string
	colorFlag   string
	draftFlag   string
	slotFlag    string
	configFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "enhance-cli",
	Short: "Enhance a photo with AI and wait for the result",
	Long: `enhance-cli submits a photo to the enhancement backend and follows the job
until it completes, fails or times out, printing progress as it goes.

Completion is learned from Redis push notifications when --redis-url is set,
with status polling as a fallback. Local files are staged in S3 first when a
bucket is configured.

Examples:
  enhance-cli --feature quality-enhance --image https://cdn.example.com/a.jpg
  enhance-cli -f background-remove -i ./portrait.png --timeout 2m
  enhance-cli -f background-replace -i ./a.jpg --prompt "sunset beach"
  enhance-cli -f background-replace -i ./a.jpg --color "#ffffff" --draft d1 --slot hero`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runEnhance,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&featureFlag, "feature", "f", "", "Enhancement to apply: quality-enhance, background-remove, background-replace")
	f.StringVarP(&imageFlag, "image", "i", "", "Image URL or local file path")
	f.StringVar(&presetFlag, "preset", "", "Background preset (background-replace)")
	f.StringVar(&promptFlag, "prompt", "", "Background description (background-replace)")
	f.StringVar(&colorFlag, "color", "", "Solid background color as #RRGGBB (background-replace)")
	f.StringVar(&draftFlag, "draft", "", "Draft ID to record the result against (requires --slot)")
	f.StringVar(&slotFlag, "slot", "", "Slot ID within the draft (requires --draft)")
	f.StringVar(&configFlag, "config", "", "Optional YAML config file")

	f.String("api-url", "", "Enhancement API base URL (ENHANCE_API_BASE_URL)")
	f.String("redis-url", "", "Redis URL for push notifications (ENHANCE_REDIS_URL)")
	f.Duration("timeout", 0, "Maximum time to wait for the result (ENHANCE_RESOLVE_MAX_WAIT)")
	f.Duration("poll-interval", 0, "Status poll interval (ENHANCE_RESOLVE_POLL_INTERVAL)")
	f.Duration("poll-delay", 0, "Delay before polling starts (ENHANCE_RESOLVE_POLL_DELAY)")
	f.String("log-level", "", "Log level: debug, info, warn, error (ENHANCE_LOG_LEVEL)")

	rootCmd.MarkFlagRequired("feature")
	rootCmd.MarkFlagRequired("image")
}

// flagKeys maps CLI flags onto config keys. A flag only overrides the
// environment and config file when it is given explicitly.
var flagKeys = map[string]string{
	"api-url":       "api.base_url",
	"redis-url":     "redis.url",
	"timeout":       "resolve.max_wait",
	"poll-interval": "resolve.poll_interval",
	"poll-delay":    "resolve.poll_delay",
	"log-level":     "log.level",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes timeouts and cancellation from other failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, enhance.ErrTimeout):
		return 3
	case errors.Is(err, enhance.ErrCancelled):
		return 130
	}
	return 1
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	for flag, key := range flagKeys {
		if cmd.Flags().Changed(flag) {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return nil, fmt.Errorf("bind --%s: %w", flag, err)
			}
		}
	}
	return config.Load(v, configFlag)
}

func runEnhance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.InitWith(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enhancer := buildEnhancer(cfg)
	out := cmd.OutOrStdout()

	res, err := enhancer.Enhance(ctx, enhance.Request{
		Feature:  enhance.Feature(featureFlag),
		ImageURL: imageFlag,
		Preset:   presetFlag,
		Prompt:   promptFlag,
		Color:    colorFlag,
		DraftID:  draftFlag,
		SlotID:   slotFlag,
	}, printProgress(out))
	if err != nil {
		return err
	}
	if !res.Success {
		return res.Err()
	}

	fmt.Fprintln(out, res.OutputURL)
	log.Debug().
		Str("jobId", res.JobID).
		Str("channel", string(res.Channel)).
		Bool("cached", res.Cached).
		Dur("elapsed", res.Elapsed).
		Msg("Enhancement finished")
	return nil
}

// buildEnhancer wires the optional collaborators the config enables: Redis
// push, S3 staging for local files and draft slot recording.
func buildEnhancer(cfg *config.Config) *enhance.Enhancer {
	client := enhance.NewClient(cfg.API.BaseURL, cfg.API.Key)

	opts := cfg.Resolve.Options()
	if cfg.Metrics {
		opts.Metrics = os.Stderr
	}

	var subscriber enhance.Subscriber
	if rdb := lambdaboot.InitRedis(cfg.Redis.URL); rdb != nil {
		subscriber = pushsub.NewSubscriber(rdb)
	}

	var uploader enhance.Uploader
	var recorder enhance.SlotRecorder
	if cfg.AWS.Bucket != "" || (cfg.AWS.Table != "" && draftFlag != "") {
		aws := lambdaboot.InitAWS()
		if s3c := lambdaboot.InitS3(aws.Config, cfg.AWS.Bucket); s3c != nil {
			uploader = s3util.NewUploader(s3c.Client, s3c.Presigner, s3c.Bucket, cfg.AWS.UploadPrefix).
				WithExpiry(s3util.DefaultExpiry + cfg.Resolve.MaxWait)
		}
		if cfg.AWS.Table != "" && draftFlag != "" {
			recorder = lambdaboot.InitDynamo(aws.Config, cfg.AWS.Table)
		}
	}

	return enhance.NewEnhancer(
		enhance.NewSubmitter(client, uploader),
		enhance.NewResolver(subscriber, client, opts),
		recorder,
	)
}

// printProgress writes one line per event, skipping repeats of the same
// status and percentage.
func printProgress(w io.Writer) enhance.ProgressFunc {
	var last enhance.ProgressEvent
	start := time.Now()
	return func(ev enhance.ProgressEvent) {
		if ev.Status == last.Status && ev.Progress == last.Progress && ev.Message == last.Message {
			return
		}
		last = ev
		fmt.Fprintln(w, formatEvent(ev, time.Since(start)))
	}
}

func formatEvent(ev enhance.ProgressEvent, elapsed time.Duration) string {
	pct := " --"
	if ev.Progress >= 0 {
		pct = fmt.Sprintf("%3d", ev.Progress)
	}
	line := fmt.Sprintf("[%s%%] %5.1fs %s", pct, elapsed.Seconds(), ev.Message)
	if ev.Error != "" {
		line += ": " + ev.Error
	}
	return line
}
