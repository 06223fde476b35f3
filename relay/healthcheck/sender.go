package healthcheck

import (
	"context"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultAttemptThreshold    = 1
	defaultAttemptThresholdEnv = "SR_RELAY_HC_ATTEMPT_THRESHOLD"
)

var (
	healthCheckInterval = 25 * time.Second
	healthCheckTimeout  = 20 * time.Second
)

// Probe checks the liveness of the remote side. It must return when the context is done.
type Probe func(ctx context.Context) error

// Sender keeps a transport alive and detects dead peers. Every interval it runs the probe, when the probe
// fails attemptThreshold times in a row it signals Timeout and stops. It also stops if the context is canceled.
type Sender struct {
	log   *log.Entry
	probe Probe
	// Timeout is signalled when the peer did not answer
	Timeout chan struct{}

	attemptThreshold int
}

// NewSender creates a new healthcheck sender
func NewSender(log *log.Entry, probe Probe) *Sender {
	return &Sender{
		log:              log,
		probe:            probe,
		Timeout:          make(chan struct{}, 1),
		attemptThreshold: getAttemptThresholdFromEnv(),
	}
}

func (hc *Sender) StartHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	defer close(hc.Timeout)

	failureCounter := 0
	for {
		select {
		case <-ticker.C:
			err := hc.check(ctx)
			if err == nil {
				failureCounter = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}

			failureCounter++
			if failureCounter < hc.attemptThreshold {
				hc.log.Warnf("health check failed attempt %d: %s", failureCounter, err)
				continue
			}
			hc.log.Debugf("health check failed: %s", err)
			hc.Timeout <- struct{}{}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (hc *Sender) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return hc.probe(ctx)
}

func getAttemptThresholdFromEnv() int {
	if attemptThreshold := os.Getenv(defaultAttemptThresholdEnv); attemptThreshold != "" {
		threshold, err := strconv.ParseInt(attemptThreshold, 10, 64)
		if err != nil || threshold < 1 {
			log.Errorf("Failed to parse attempt threshold from environment variable \"%s\" should be a positive integer. Using default value", attemptThreshold)
			return defaultAttemptThreshold
		}
		return int(threshold)
	}
	return defaultAttemptThreshold
}
