// micarrayd is the microphone array daemon: it loads configuration,
// opens the malgo-backed capture and sink devices, and runs the
// pipeline until interrupted.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agalue/micarray-dsp/internal/capture"
	"github.com/agalue/micarray-dsp/internal/config"
	"github.com/agalue/micarray-dsp/internal/dsp"
	"github.com/agalue/micarray-dsp/internal/localise"
	"github.com/agalue/micarray-dsp/internal/logging"
	"github.com/agalue/micarray-dsp/internal/metrics"
	"github.com/agalue/micarray-dsp/internal/pipeline"
	"github.com/agalue/micarray-dsp/internal/sink"
	"github.com/golang/geo/r3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fatalf("configuration error: %v", err)
	}

	log := logging.New(cfg.LogLevel)
	log.Infof("micarrayd starting: %d microphones at %d Hz", cfg.NumMicrophones, cfg.SampleRate)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	go serveMetrics(cfg.MetricsAddr, reg, log)

	micPositions := micPositions(cfg)

	captureDevice, err := capture.New()
	if err != nil {
		fatalf("capture device: %v", err)
	}
	defer captureDevice.Close()

	sinkDevice, err := sink.New()
	if err != nil {
		fatalf("sink device: %v", err)
	}
	defer sinkDevice.Close()

	noiseParams := dsp.DefaultParams()
	noiseParams.FrameSize = cfg.FrameSize
	noiseParams.Overlap = cfg.FrameOverlap
	noiseParams.Algorithm = cfg.Algorithm
	noiseParams.Oversub = cfg.OversubFactor
	noiseParams.Floor = cfg.GainFloor
	noiseParams.SNRGate = cfg.NoiseThreshold
	noiseParams.NoiseReduce = cfg.NoiseReductionEnable

	pl, err := pipeline.New(pipeline.Params{
		SampleRate:           cfg.SampleRate,
		BlockSize:            cfg.DMABufferSize,
		RingCapacity:         cfg.RingCapacity,
		NoiseReductionEnable: cfg.NoiseReductionEnable,
		NoiseParams:          noiseParams,
		LocaliseParams: localise.Params{
			MicPositions:           micPositions,
			SampleRate:             cfg.SampleRate,
			MinConfidenceThreshold: cfg.MinConfidenceThreshold,
			CorrelationWindowSize:  cfg.CorrWindow,
		},
		MinConfidenceThreshold: cfg.MinConfidenceThreshold,
		Volume:                 cfg.Volume,
		Capture:                captureDevice,
		Sink:                   sinkDevice,
		Logger:                 log,
		Metrics:                met,
	})
	if err != nil {
		fatalf("pipeline init: %v", err)
	}

	if err := pl.Start(); err != nil {
		fatalf("pipeline start: %v", err)
	}
	log.Infof("pipeline running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Infof("shutting down")
	if err := pl.Cleanup(); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
}

func micPositions(cfg *config.Config) []r3.Vector {
	if len(cfg.MicPositions) > 0 {
		pos := make([]r3.Vector, len(cfg.MicPositions))
		for i, p := range cfg.MicPositions {
			pos[i] = r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
		}
		return pos
	}
	return localise.DefaultCircularPositions(cfg.NumMicrophones, cfg.MicSpacing/1000.0)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnf("metrics server: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
