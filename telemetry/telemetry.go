// Package telemetry publishes the mission engine's status to the control
// plane: the mirror state, the progress triple and the transfer counters,
// sent when something changes and repeated as a heartbeat.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/missions"
)

const (
	qos    = 1
	retain = false
)

// pollInterval is how often the engine is sampled for changes. The
// heartbeat interval only bounds how long an unchanged status may go
// unpublished.
const pollInterval = 100 * time.Millisecond

// missionStatus is the event payload. Timestamp is microseconds since the
// epoch.
type missionStatus struct {
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`

	State     string `json:"state"`
	Count     int    `json:"count"`
	Observed  int    `json:"observed"`
	Requested int    `json:"requested"`
	Confirmed bool   `json:"confirmed"`

	Downloads uint64 `json:"downloads"`
	Uploads   uint64 `json:"uploads"`
	Clears    uint64 `json:"clears"`
	Failures  uint64 `json:"failures"`
	Retries   uint64 `json:"retries"`
}

// Start publishes mission status events until ctx is cancelled. A change
// in the sampled status publishes immediately on the next poll; an
// unchanged status is repeated every interval as a heartbeat.
func Start(ctx context.Context, wg *sync.WaitGroup, client mqtt.Client, engine *missions.Engine, deviceID string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		publishMissionStatus(ctx, client, engine, deviceID, interval, log)
	}()
}

func publishMissionStatus(ctx context.Context, client mqtt.Client, engine *missions.Engine, deviceID string, interval time.Duration, log *zap.Logger) {
	topic := fmt.Sprintf("/devices/%s/events/mission-status", deviceID)
	log.Info("mission status publisher started", zap.String("topic", topic), zap.Duration("interval", interval))

	var last missionStatus
	var lastSent time.Time
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("mission status publisher stopped")
			return
		case <-ticker.C:
			cur := snapshot(engine)
			if cur == last && time.Since(lastSent) < interval {
				// nothing new to send, skip this round
				break
			}
			ev := cur
			ev.MessageID = uuid.New().String()
			ev.Timestamp = time.Now().UnixNano() / 1000
			b, err := json.Marshal(ev)
			if err != nil {
				log.Error("could not marshal mission status", zap.Error(err))
				break
			}
			client.Publish(topic, qos, retain, b)
			last = cur
			lastSent = time.Now()
		}
	}
}

// snapshot samples the engine into a comparable status, leaving the
// per-event fields zero so consecutive samples compare equal when nothing
// changed.
func snapshot(engine *missions.Engine) missionStatus {
	store := engine.Store()
	p := engine.Progress()
	stats := engine.Stats()
	return missionStatus{
		State:     store.State().String(),
		Count:     store.Length(),
		Observed:  p.Observed,
		Requested: p.Requested,
		Confirmed: p.Confirmed,
		Downloads: stats.Downloads,
		Uploads:   stats.Uploads,
		Clears:    stats.Clears,
		Failures:  stats.Failures,
		Retries:   stats.Retries,
	}
}
