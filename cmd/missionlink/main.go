// missionlink is the companion-computer agent: it keeps a mission engine
// attached to the vehicle link and bridges it to the MQTT control plane.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/commands"
	"github.com/aerialworks/mission_link/config"
	"github.com/aerialworks/mission_link/logging"
	"github.com/aerialworks/mission_link/missions"
	"github.com/aerialworks/mission_link/tcptransport"
	"github.com/aerialworks/mission_link/telemetry"
)

const (
	algorithm = "RS256"
	username  = "unused" // identity travels in the JWT password
)

var (
	defaultFlagSet    = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	configPath        = defaultFlagSet.String("config", "", "Path to the agent configuration file")
	deviceID          = defaultFlagSet.String("device_id", "", "The provisioned device id (falls back to $DEVICE_ID)")
	mqttBrokerAddress = defaultFlagSet.String("mqtt_broker", "", "MQTT broker protocol, address and port")
	privateKeyPath    = defaultFlagSet.String("private_key", "", "The private key for the MQTT authentication")
	linkAddress       = defaultFlagSet.String("link", "", "The vehicle link address (host:port)")
)

func main() {
	if err := defaultFlagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *deviceID != "" {
		cfg.Device.ID = *deviceID
	}
	if *mqttBrokerAddress != "" {
		cfg.MQTT.Broker = *mqttBrokerAddress
	}
	if *privateKeyPath != "" {
		cfg.MQTT.PrivateKey = *privateKeyPath
	}
	if *linkAddress != "" {
		cfg.Link.Address = *linkAddress
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = os.Getenv("DEVICE_ID")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("missionlink starting",
		zap.String("device", cfg.Device.ID),
		zap.String("link", cfg.Link.Address))

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, syscall.SIGINT, syscall.SIGTERM)
	ctx, quitFunc := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	mqttClient := newMQTTClient(cfg, log)
	defer mqttClient.Disconnect(1000)

	link := tcptransport.New(cfg.Link.Address, cfg.Link.ReconnectDelay.Duration, log.Named("link"))
	engine := missions.NewEngine(link, cfg.Engine(), log.Named("missions"))
	go link.Run(ctx, &wg, engine.Receive)
	go engine.Run(ctx, &wg)

	telemetry.Start(ctx, &wg, mqttClient, engine, cfg.Device.ID, cfg.Telemetry.Interval.Duration, log.Named("telemetry"))
	commands.StartCommandHandlers(ctx, &wg, mqttClient, engine, cfg.Device.ID, log.Named("commands"))

	// wait for termination, then cancel the main context and drain
	<-terminationSignals
	log.Info("shutting down")
	quitFunc()
	wg.Wait()
	log.Info("signing off - BYE")
}

// newMQTTClient connects to the control plane with a JWT-authenticated
// password, the way the cloud IoT bridge expects it.
func newMQTTClient(cfg config.Config, log *zap.Logger) mqtt.Client {
	clientID := fmt.Sprintf(
		"projects/%s/locations/%s/registries/%s/devices/%s",
		cfg.MQTT.ProjectID, cfg.MQTT.Region, cfg.MQTT.RegistryID, cfg.Device.ID)
	log.Info("control plane client",
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("client_id", clientID))

	keyData, err := os.ReadFile(cfg.MQTT.PrivateKey)
	if err != nil {
		log.Fatal("could not read private key", zap.Error(err))
	}

	var key interface{}
	switch algorithm {
	case "RS256":
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyData)
	case "ES256":
		key, err = jwt.ParseECPrivateKeyFromPEM(keyData)
	default:
		log.Fatal("unknown signing algorithm", zap.String("algorithm", algorithm))
	}
	if err != nil {
		log.Fatal("could not parse private key", zap.Error(err))
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.GetSigningMethod(algorithm), jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.MQTT.TokenLifetime.Duration)),
		Audience:  jwt.ClaimStrings{cfg.MQTT.ProjectID},
	})
	pass, err := token.SignedString(key)
	if err != nil {
		log.Fatal("could not sign token", zap.Error(err))
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.Broker).
		SetClientID(clientID).
		SetUsername(username).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetPassword(pass).
		SetProtocolVersion(4) // MQTT 3.1.1; QoS 2 is not supported upstream

	client := mqtt.NewClient(opts)
	for {
		log.Info("connecting MQTT")
		tok := client.Connect()
		if !tok.WaitTimeout(5 * time.Second) {
			log.Warn("connection timeout, retrying")
			continue
		}
		if err := tok.Error(); err != nil {
			log.Fatal("could not connect", zap.Error(err))
		}
		break
	}
	log.Info("control plane connected")
	return client
}
