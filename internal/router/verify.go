package router

import (
	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/store"
)

// Wake verification statuses published on the event bus.
const (
	VerifyVerified    = "verified"
	VerifyUnreachable = "unreachable"
	VerifyTimeout     = "timeout"
)

// WakeVerification is the payload of a wake.verified event.
type WakeVerification struct {
	CommandID     string `json:"commandId"`
	CorrelationID string `json:"correlationId"`
	Fqn           string `json:"fqn"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	ElapsedMs     int64  `json:"elapsedMs"`
	Source        string `json:"source"`
}

// verifyWake polls the aggregated status of a freshly woken host until
// it reports awake or the verification window closes. Runs in its own
// goroutine after the wake command acknowledged; the outcome is
// published on the bus, never delivered to the original caller.
func (r *Router) verifyWake(commandID, hostFqn, correlationID string) {
	log := r.log.With().Str("command", commandID).Str("host", hostFqn).Logger()
	started := r.clock.Now()
	deadline := started.Add(r.cfg.WakeVerifyWindow)
	attempts := 0

	publish := func(status, source string) {
		now := r.clock.Now()
		r.bus.Publish(bus.EventWakeVerified, WakeVerification{
			CommandID:     commandID,
			CorrelationID: correlationID,
			Fqn:           hostFqn,
			Status:        status,
			Attempts:      attempts,
			ElapsedMs:     now.Sub(started).Milliseconds(),
			Source:        source,
		})
		log.Info().Str("status", status).Int("attempts", attempts).Msg("wake verification finished")
	}

	for {
		if !r.clock.Now().Before(deadline) {
			publish(VerifyTimeout, "window")
			return
		}
		r.clock.Sleep(r.cfg.WakeVerifyInterval)
		attempts++

		host, err := r.agg.GetHost(hostFqn)
		if err != nil {
			// Host deleted or renamed mid-verification.
			publish(VerifyUnreachable, "aggregate")
			return
		}
		if host.Status == store.StatusAwake {
			publish(VerifyVerified, "aggregate")
			return
		}

		// Aggregate still says asleep; ask the node directly when it
		// is online. A ping result updates the picture faster than
		// waiting for the next discovery cycle.
		if !r.sender.IsOnline(host.NodeID) {
			continue
		}
		snap, err := r.RoutePingHost(hostFqn, Options{CorrelationID: correlationID})
		if err != nil {
			continue
		}
		if snap.Success && snap.Status == store.StatusAwake {
			publish(VerifyVerified, snap.Source)
			return
		}
	}
}
