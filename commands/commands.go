// Package commands bridges the MQTT control plane to the mission engine:
// it subscribes to the device's command topics, executes mission and
// provisioning commands, and reports each outcome as a device event.
package commands

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/aerialworks/mission_link/missionfile"
	"github.com/aerialworks/mission_link/missions"
)

const (
	qos    = 1
	retain = false
)

// transferDeadline bounds one commanded transfer end to end. The engine's
// own per-request timeouts are much shorter; this is the ceiling for the
// whole exchange on a lossy link.
const transferDeadline = 2 * time.Minute

// sshID holds the private half of the provisioning keypair between
// initialize-trust and the rest of the provisioning flow.
var sshID []byte

// controlCommand is the JSON envelope the backend wraps every command in.
type controlCommand struct {
	Command   string
	Payload   string
	Timestamp time.Time
}

// outcomeEvent reports how a mission command ended. Mission carries the
// serialized mission text for download-mission replies.
type outcomeEvent struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation_id"`
	Command   string    `json:"command"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Mission   string    `json:"mission,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type trustEvent struct {
	PublicSSHKey string `json:"public_ssh_key"`
}

type deviceState struct {
	StartedAt time.Time `json:"started_at"`
	Message   string    `json:"message"`
}

// StartCommandHandlers subscribes to the device's command topics and
// dispatches inbound commands until ctx is cancelled. Mission commands are
// executed one at a time in arrival order; the engine refuses overlapping
// transfers anyway.
func StartCommandHandlers(ctx context.Context, wg *sync.WaitGroup, client mqtt.Client, engine *missions.Engine, deviceID string, log *zap.Logger) {
	missionCommands := make(chan string)
	controlCommands := make(chan string)

	go handleMissionCommands(ctx, wg, client, engine, missionCommands, deviceID, log)
	go handleControlCommands(ctx, wg, client, controlCommands, deviceID, log)

	commandTopic := fmt.Sprintf("/devices/%s/commands/", deviceID)
	log.Info("subscribing to commands", zap.String("topic", commandTopic+"#"))
	token := client.Subscribe(commandTopic+"#", 0, func(client mqtt.Client, msg mqtt.Message) {
		subfolder := strings.TrimPrefix(msg.Topic(), commandTopic)
		switch subfolder {
		case "mission":
			select {
			case missionCommands <- string(msg.Payload()):
			case <-ctx.Done():
			}
		case "control":
			select {
			case controlCommands <- string(msg.Payload()):
			case <-ctx.Done():
			}
		default:
			log.Warn("unknown command subfolder", zap.String("subfolder", subfolder))
		}
	})
	if !token.WaitTimeout(10 * time.Second) {
		log.Fatal("command subscribe timed out")
	}
	if err := token.Error(); err != nil {
		log.Fatal("command subscribe failed", zap.Error(err))
	}

	publishDeviceState(client, deviceID, log)
}

// handleMissionCommands executes mission commands in arrival order until
// ctx is cancelled.
func handleMissionCommands(ctx context.Context, wg *sync.WaitGroup, client mqtt.Client, engine *missions.Engine, commands <-chan string, deviceID string, log *zap.Logger) {
	wg.Add(1)
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-commands:
			handleMissionCommand(ctx, command, client, engine, deviceID, log)
		}
	}
}

func handleMissionCommand(ctx context.Context, command string, client mqtt.Client, engine *missions.Engine, deviceID string, log *zap.Logger) {
	var cmd controlCommand
	if err := json.Unmarshal([]byte(command), &cmd); err != nil {
		log.Warn("could not unmarshal command", zap.Error(err))
		return
	}

	opID := ulid.Make().String()
	clog := log.With(zap.String("operation", opID), zap.String("command", cmd.Command))

	var (
		detail  string
		mission string
		err     error
	)
	switch cmd.Command {
	case "upload-mission":
		clog.Info("backend requests a mission upload")
		detail, err = uploadMission(ctx, engine, cmd.Payload, clog)
	case "download-mission":
		clog.Info("backend requests a mission download")
		mission, detail, err = downloadMission(ctx, engine)
	case "clear-mission":
		clog.Info("backend requests a remote clear")
		err = clearMission(ctx, engine)
		detail = "remote mission cleared; uploads need a fresh download first"
	case "set-current":
		clog.Info("backend requests a current-entry change")
		detail, err = setCurrent(engine, cmd.Payload)
	default:
		clog.Warn("unknown mission command")
		return
	}

	if err != nil {
		clog.Warn("mission command failed", zap.Error(err))
		detail = err.Error()
	} else {
		clog.Info("mission command done", zap.String("detail", detail))
	}
	publishOutcome(client, deviceID, outcomeEvent{
		ID:        uuid.New().String(),
		Operation: opID,
		Command:   cmd.Command,
		Success:   err == nil,
		Detail:    detail,
		Mission:   mission,
		Timestamp: time.Now().UTC(),
	}, log)
}

// uploadMission parses a mission file payload, stages it and replaces the
// remote mission. A home row in the payload is dropped: index 0 belongs to
// the vehicle.
func uploadMission(ctx context.Context, engine *missions.Engine, payload string, log *zap.Logger) (string, error) {
	doc, err := missionfile.Read(strings.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "parse mission payload")
	}
	if doc.Home != nil {
		log.Info("dropping home row from payload; the vehicle manages index 0")
	}

	store := engine.Store()
	store.ClearLocal()
	for _, c := range doc.Tail {
		if err := store.Add(c); err != nil {
			return "", errors.Wrap(err, "stage mission")
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
	defer cancel()
	if err := engine.Upload(opCtx); err != nil {
		return "", err
	}
	return fmt.Sprintf("uploaded %d entries", len(doc.Tail)), nil
}

// downloadMission synchronizes the mirror and serializes it back to
// mission file text for the reply event.
func downloadMission(ctx context.Context, engine *missions.Engine) (string, string, error) {
	if err := engine.Download(); err != nil {
		return "", "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
	defer cancel()
	if err := engine.WaitValid(opCtx); err != nil {
		return "", "", err
	}

	store := engine.Store()
	var doc missionfile.Document
	last := store.Length()
	if home, ok := store.Home(); ok {
		doc.Home = &home.Command
		last--
	}
	for i := 1; i <= last; i++ {
		c, err := store.Get(i)
		if err != nil {
			return "", "", err
		}
		doc.Tail = append(doc.Tail, c)
	}

	var buf bytes.Buffer
	if err := missionfile.Write(&buf, doc); err != nil {
		return "", "", err
	}
	return buf.String(), fmt.Sprintf("%d entries", store.Length()), nil
}

func clearMission(ctx context.Context, engine *missions.Engine) error {
	opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
	defer cancel()
	return engine.ClearRemote(opCtx)
}

func setCurrent(engine *missions.Engine, payload string) (string, error) {
	seq, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return "", errors.Wrap(err, "parse set-current payload")
	}
	if err := engine.SetCurrent(seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("current entry set to %d, confirmation follows in status", seq), nil
}

// handleControlCommands executes provisioning commands until ctx is
// cancelled.
func handleControlCommands(ctx context.Context, wg *sync.WaitGroup, client mqtt.Client, commands <-chan string, deviceID string, log *zap.Logger) {
	wg.Add(1)
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-commands:
			handleControlCommand(command, client, deviceID, log)
		}
	}
}

func handleControlCommand(command string, client mqtt.Client, deviceID string, log *zap.Logger) {
	var cmd controlCommand
	if err := json.Unmarshal([]byte(command), &cmd); err != nil {
		log.Warn("could not unmarshal command", zap.Error(err))
		return
	}
	switch cmd.Command {
	case "initialize-trust":
		log.Info("initializing trust with backend")
		initializeTrust(client, deviceID, log)
	default:
		log.Warn("unknown control command", zap.String("command", cmd.Command))
	}
}

// initializeTrust generates the device keypair and publishes the public
// half on the trust topic. The private half stays in memory for the rest
// of the provisioning flow.
func initializeTrust(client mqtt.Client, deviceID string, log *zap.Logger) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		log.Error("could not generate keypair", zap.Error(err))
		return
	}

	sshID = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	sshPublicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		log.Error("could not encode public key", zap.Error(err))
		return
	}
	trust, _ := json.Marshal(trustEvent{
		PublicSSHKey: strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPublicKey)), "\n"),
	})

	topic := fmt.Sprintf("/devices/%s/events/trust", deviceID)
	tok := client.Publish(topic, qos, retain, trust)
	if !tok.WaitTimeout(10 * time.Second) {
		log.Warn("could not send trust within 10s")
		return
	}
	if err := tok.Error(); err != nil {
		log.Warn("could not send trust", zap.Error(err))
		return
	}
	log.Info("trust initialized")
}

func publishOutcome(client mqtt.Client, deviceID string, ev outcomeEvent, log *zap.Logger) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error("could not marshal outcome", zap.Error(err))
		return
	}
	topic := fmt.Sprintf("/devices/%s/events/mission-outcome", deviceID)
	tok := client.Publish(topic, qos, retain, b)
	if !tok.WaitTimeout(10 * time.Second) {
		log.Warn("outcome publish timed out", zap.String("command", ev.Command))
		return
	}
	if err := tok.Error(); err != nil {
		log.Warn("outcome publish failed", zap.Error(err))
	}
}

func publishDeviceState(client mqtt.Client, deviceID string, log *zap.Logger) {
	b, _ := json.Marshal(deviceState{
		StartedAt: time.Now().UTC(),
		Message:   "mission link online",
	})
	topic := fmt.Sprintf("/devices/%s/state", deviceID)
	if tok := client.Publish(topic, qos, retain, b); tok.Error() != nil {
		log.Warn("device state publish failed", zap.Error(tok.Error()))
	}
}
