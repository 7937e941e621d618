// Command mqttbridge subscribes to a running gatewayd's WebSocket push
// channel and republishes every event envelope onto an MQTT broker,
// one topic per event type, for downstream consumers that already
// speak MQTT instead of WebSocket.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	gatewayWS      string
	mqttBroker     string
	mqttTopic      string
	reconnectDelay = 5 * time.Second

	rootCmd = &cobra.Command{
		Use:   "mqttbridge",
		Short: "Bridge gatewayd's event stream onto MQTT",
		RunE:  runBridge,
	}
)

func init() {
	rootCmd.Flags().StringVar(&gatewayWS, "gateway-ws", "ws://localhost:8765/ws", "gatewayd WebSocket URL")
	rootCmd.Flags().StringVar(&mqttBroker, "mqtt-broker", "tcp://localhost:1883", "MQTT broker address")
	rootCmd.Flags().StringVar(&mqttTopic, "mqtt-topic-prefix", "meshgate", "MQTT topic prefix; events publish under <prefix>/<event-type>")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// envelope mirrors internal/bus.Envelope's wire shape without importing
// the gateway module, keeping the bridge a standalone client of the
// public WebSocket API.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func runBridge(cmd *cobra.Command, args []string) error {
	opts := mqtt.NewClientOptions().AddBroker(mqttBroker).SetClientID("meshgate-mqttbridge")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("mqttbridge: connected to broker %s", mqttBroker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttbridge: mqtt connect: %w", token.Error())
	}
	defer client.Disconnect(250)

	for {
		if err := bridgeOnce(client); err != nil {
			log.Printf("mqttbridge: connection lost, retrying in %s: %v", reconnectDelay, err)
		}
		time.Sleep(reconnectDelay)
	}
}

func bridgeOnce(client mqtt.Client) error {
	conn, _, err := websocket.DefaultDialer.Dial(gatewayWS, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", gatewayWS, err)
	}
	defer conn.Close()
	log.Printf("mqttbridge: connected to %s", gatewayWS)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		topic := mqttTopic + "/" + env.Type
		token := client.Publish(topic, 0, false, []byte(env.Data))
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqttbridge: publish to %s failed: %v", topic, err)
		}
	}
}
