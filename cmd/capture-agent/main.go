package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speaktogether/capture-pipeline/pkg/capture"
	"github.com/speaktogether/capture-pipeline/pkg/config"
	"github.com/speaktogether/capture-pipeline/pkg/logging"
	"github.com/speaktogether/capture-pipeline/pkg/metrics"
	"github.com/speaktogether/capture-pipeline/pkg/providers/sink"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	listDevices := flag.Bool("devices", false, "list audio devices and exit")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	zl := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	logger := logging.NewAdapter(zl)

	apiKey := cfg.APIKey()
	var transcriber capture.TranscriptionSink
	switch cfg.Sink.Kind {
	case "google":
		if apiKey == "" {
			log.Fatalf("Error: %s must be set for the google sink", cfg.Sink.APIKeyEnv)
		}
		transcriber = sink.NewGoogleSink(apiKey)
	case "stream":
		transcriber = sink.NewStreamSink(apiKey, cfg.Sink.Host)
	case "whisper":
		fallthrough
	default:
		if apiKey == "" {
			log.Fatalf("Error: %s must be set for the whisper sink", cfg.Sink.APIKeyEnv)
		}
		transcriber = sink.NewWhisperSink(apiKey, cfg.Sink.BaseURL, cfg.Sink.Model)
	}

	manager := capture.NewWithLogger(transcriber, logger)
	manager.SetTelemetry(metrics.New())

	if *listDevices {
		devices, err := manager.Devices()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %s  in=%d out=%d  %s\n", marker, d.ID, d.MaxInputChannels, d.MaxOutputChannels, d.Name)
		}
		return
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				zl.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	sessionCfg := cfg.CaptureConfig()
	events := make(chan capture.Event, 256)

	fmt.Printf("Configured: sink=%s | source=%s | sample rate=%dHz\n",
		transcriber.Name(), sessionCfg.Source, sessionCfg.SampleRate)
	fmt.Println("Capture agent started. Press Ctrl+C to exit.")

	if err := manager.StartSession("local", sessionCfg, events); err != nil {
		log.Fatalf("Error: %v", err)
	}

	go func() {
		for event := range events {
			switch event.Type {
			case capture.SessionStarted:
				fmt.Printf("\r\033[K[SESSION] started\n")
			case capture.ChunkCaptured:
				info, ok := event.Data.(capture.ChunkInfo)
				if !ok {
					continue
				}
				meter := ""
				dots := int(info.Metrics.VolumePercent * 0.4)
				if dots > 40 {
					dots = 40
				}
				for i := 0; i < dots; i++ {
					meter += "|"
				}
				clip := " "
				if info.Metrics.Clipping {
					clip = "!"
				}
				fmt.Printf("\r[LEVEL %s %-40s] %5.1f%% %6.1f dBFS", clip, meter, info.Metrics.VolumePercent, info.Metrics.DBFS)
			case capture.TranscriptionResult:
				result, ok := event.Data.(capture.Transcription)
				if !ok {
					continue
				}
				fmt.Printf("\r\033[K[TRANSCRIPT %s] %s\n", result.Reason, result.Transcript)
			case capture.SessionEnded:
				fmt.Printf("\r\033[K[SESSION] ended\n")
			case capture.ErrorEvent:
				fmt.Printf("\r\033[K[ERROR] %v\n", event.Data)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
	manager.Close()
}
