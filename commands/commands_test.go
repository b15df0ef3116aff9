package commands_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aerialworks/mission_link/commands"
	"github.com/aerialworks/mission_link/missionfile"
	"github.com/aerialworks/mission_link/missions"
	"github.com/aerialworks/mission_link/vehiclemock"
	"github.com/aerialworks/mission_link/wire"
)

type fakeToken struct{ err error }

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                 { return t.err }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (fakeMessage) Duplicate() bool     { return false }
func (fakeMessage) Qos() byte           { return 1 }
func (fakeMessage) Retained() bool      { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (fakeMessage) MessageID() uint16   { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (fakeMessage) Ack()                {}

type publication struct {
	topic   string
	payload []byte
}

// fakeClient implements the two mqtt.Client methods the package uses and
// records what it is asked to publish.
type fakeClient struct {
	mqtt.Client
	mu       sync.Mutex
	pubs     []publication
	handlers map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.mu.Lock()
	c.pubs = append(c.pubs, publication{topic: topic, payload: b})
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeClient) published(topic string) []publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publication
	for _, p := range c.pubs {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// inject delivers a message the way the broker would, through the wildcard
// subscription covering the topic.
func (c *fakeClient) inject(t *testing.T, topic string, payload []byte) {
	t.Helper()
	c.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, cb := range c.handlers {
		if strings.HasSuffix(filter, "#") && strings.HasPrefix(topic, strings.TrimSuffix(filter, "#")) {
			handler = cb
		}
	}
	c.mu.Unlock()
	require.NotNil(t, handler, "no subscription covers %s", topic)
	handler(c, fakeMessage{topic: topic, payload: payload})
}

// outcome mirrors the event payload published after a mission command.
type outcome struct {
	ID        string `json:"id"`
	Operation string `json:"operation_id"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail"`
	Mission   string `json:"mission"`
}

type cmdRig struct {
	vehicle *vehiclemock.Vehicle
	engine  *missions.Engine
	client  *fakeClient
}

func newCmdRig(t *testing.T) *cmdRig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	vehicle := vehiclemock.New(nil)
	engine := missions.NewEngine(vehicle, missions.Config{
		ResponseTimeout: 40 * time.Millisecond,
		ClearAckTimeout: 25 * time.Millisecond,
		MaxAttempts:     3,
	}, zaptest.NewLogger(t))
	vehicle.Connect(engine.Receive)
	vehicle.Run(ctx, &wg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx, &wg)
	}()

	client := newFakeClient()
	commands.StartCommandHandlers(ctx, &wg, client, engine, "drone-1", zaptest.NewLogger(t))

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &cmdRig{vehicle: vehicle, engine: engine, client: client}
}

func (r *cmdRig) send(t *testing.T, name, payload string) {
	t.Helper()
	b, err := json.Marshal(map[string]string{"Command": name, "Payload": payload})
	require.NoError(t, err)
	r.client.inject(t, "/devices/drone-1/commands/mission", b)
}

// awaitOutcome waits for the next outcome event for the named command,
// starting after the first `skip` matches.
func (r *cmdRig) awaitOutcome(t *testing.T, command string, skip int) outcome {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		seen := 0
		for _, p := range r.client.published("/devices/drone-1/events/mission-outcome") {
			var ev outcome
			require.NoError(t, json.Unmarshal(p.payload, &ev))
			if ev.Command != command {
				continue
			}
			if seen == skip {
				return ev
			}
			seen++
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no outcome for %s", command)
	return outcome{}
}

const uploadPayload = "QGC WPL 110\n" +
	"0\t1\t0\t16\t0\t0\t0\t0\t63.0979\t21.6292\t12.5\t1\n" +
	"1\t0\t3\t22\t0\t0\t0\t0\t0\t0\t25\t1\n" +
	"2\t0\t3\t16\t0\t0\t0\t0\t63.1003\t21.6405\t40\t1\n"

func TestUploadMissionCommand(t *testing.T) {
	r := newCmdRig(t)

	r.send(t, "upload-mission", uploadPayload)
	ev := r.awaitOutcome(t, "upload-mission", 0)

	require.True(t, ev.Success, "detail: %s", ev.Detail)
	assert.Contains(t, ev.Detail, "2 entries")
	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Operation)

	// The home row of the payload was dropped; the vehicle keeps its own.
	remote := r.vehicle.Mission()
	require.Len(t, remote, 3)
	assert.Equal(t, wire.CmdNavTakeoff, remote[1].Cmd)
	assert.Equal(t, wire.CmdNavWaypoint, remote[2].Cmd)
	assert.Equal(t, 63.1003, remote[2].X)
}

func TestUploadMissionCommand_BadPayload(t *testing.T) {
	r := newCmdRig(t)

	r.send(t, "upload-mission", "not a mission file")
	ev := r.awaitOutcome(t, "upload-mission", 0)

	assert.False(t, ev.Success)
	assert.Contains(t, ev.Detail, "parse mission payload")
	assert.Len(t, r.vehicle.Mission(), 1, "vehicle mission must be untouched")
}

func TestDownloadMissionCommand(t *testing.T) {
	r := newCmdRig(t)
	r.vehicle.SetMission(
		wire.Item{Frame: wire.FrameGlobalRelativeAlt, Cmd: wire.CmdNavTakeoff, Z: 25, Autocontinue: 1},
		wire.Item{Frame: wire.FrameMission, Cmd: wire.CmdNavReturnToLaunch, Autocontinue: 1},
	)

	r.send(t, "download-mission", "")
	ev := r.awaitOutcome(t, "download-mission", 0)

	require.True(t, ev.Success, "detail: %s", ev.Detail)
	assert.Contains(t, ev.Detail, "3 entries")
	require.NotEmpty(t, ev.Mission)

	doc, err := missionfile.Read(strings.NewReader(ev.Mission))
	require.NoError(t, err)
	require.NotNil(t, doc.Home, "reply carries the home row")
	assert.Equal(t, 63.0979, doc.Home.X)
	require.Len(t, doc.Tail, 2)
	assert.Equal(t, wire.CmdNavTakeoff, doc.Tail[0].Cmd)
	assert.Equal(t, wire.CmdNavReturnToLaunch, doc.Tail[1].Cmd)
}

func TestClearMissionCommand_LatchesUpload(t *testing.T) {
	r := newCmdRig(t)
	r.vehicle.SetMission(wire.Item{Cmd: wire.CmdNavWaypoint, Autocontinue: 1})

	r.send(t, "clear-mission", "")
	ev := r.awaitOutcome(t, "clear-mission", 0)
	require.True(t, ev.Success, "detail: %s", ev.Detail)
	assert.Len(t, r.vehicle.Mission(), 1, "remote tail should be gone")

	// An upload straight after the clear is refused until a download.
	r.send(t, "upload-mission", uploadPayload)
	ev = r.awaitOutcome(t, "upload-mission", 0)
	assert.False(t, ev.Success)
	assert.Contains(t, ev.Detail, "fresh download")

	r.send(t, "download-mission", "")
	ev = r.awaitOutcome(t, "download-mission", 0)
	require.True(t, ev.Success)

	r.send(t, "upload-mission", uploadPayload)
	ev = r.awaitOutcome(t, "upload-mission", 1)
	assert.True(t, ev.Success, "detail: %s", ev.Detail)
	assert.Len(t, r.vehicle.Mission(), 3)
}

func TestSetCurrentCommand(t *testing.T) {
	r := newCmdRig(t)
	r.vehicle.SetMission(
		wire.Item{Cmd: wire.CmdNavTakeoff, Autocontinue: 1},
		wire.Item{Cmd: wire.CmdNavWaypoint, Autocontinue: 1},
	)

	r.send(t, "download-mission", "")
	require.True(t, r.awaitOutcome(t, "download-mission", 0).Success)

	r.send(t, "set-current", "2")
	ev := r.awaitOutcome(t, "set-current", 0)
	assert.True(t, ev.Success, "detail: %s", ev.Detail)
	assert.Contains(t, ev.Detail, "2")

	r.send(t, "set-current", "9")
	ev = r.awaitOutcome(t, "set-current", 1)
	assert.False(t, ev.Success)

	r.send(t, "set-current", "not-a-number")
	ev = r.awaitOutcome(t, "set-current", 2)
	assert.False(t, ev.Success)
	assert.Contains(t, ev.Detail, "parse set-current")
}

func TestUnknownAndMalformedCommands(t *testing.T) {
	r := newCmdRig(t)

	r.client.inject(t, "/devices/drone-1/commands/mission", []byte("{broken json"))
	r.send(t, "self-destruct", "")
	r.client.inject(t, "/devices/drone-1/commands/bogus-subfolder", []byte("{}"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.client.published("/devices/drone-1/events/mission-outcome"))

	// The handler is still alive afterwards.
	r.send(t, "download-mission", "")
	assert.True(t, r.awaitOutcome(t, "download-mission", 0).Success)
}

func TestInitializeTrustCommand(t *testing.T) {
	r := newCmdRig(t)

	b, err := json.Marshal(map[string]string{"Command": "initialize-trust"})
	require.NoError(t, err)
	r.client.inject(t, "/devices/drone-1/commands/control", b)

	deadline := time.Now().Add(30 * time.Second) // 4096-bit keygen takes a while
	for time.Now().Before(deadline) {
		if len(r.client.published("/devices/drone-1/events/trust")) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	pubs := r.client.published("/devices/drone-1/events/trust")
	require.NotEmpty(t, pubs, "no trust event published")

	var ev struct {
		PublicSSHKey string `json:"public_ssh_key"`
	}
	require.NoError(t, json.Unmarshal(pubs[0].payload, &ev))
	assert.True(t, strings.HasPrefix(ev.PublicSSHKey, "ssh-rsa "), "got %q", ev.PublicSSHKey)
	assert.False(t, strings.HasSuffix(ev.PublicSSHKey, "\n"))
}

func TestDeviceStatePublishedOnStart(t *testing.T) {
	r := newCmdRig(t)

	pubs := r.client.published("/devices/drone-1/state")
	require.Len(t, pubs, 1)

	var state struct {
		StartedAt time.Time `json:"started_at"`
		Message   string    `json:"message"`
	}
	require.NoError(t, json.Unmarshal(pubs[0].payload, &state))
	assert.False(t, state.StartedAt.IsZero())
	assert.NotEmpty(t, state.Message)
}
