// MQTT test producer: publishes device messages or object storage
// notifications so a local tsm-ingest can be exercised without real loggers.
//
// Usage:
//
//	go run ./scripts/mqtt/producer [flags]
//
// Examples:
//
//	go run ./scripts/mqtt/producer --device chirpstack_generic --user u-logger --count 10
//	go run ./scripts/mqtt/producer --device campbell_cr6 --user u-cr6 --rate 2 --duration 30s
//	go run ./scripts/mqtt/producer --notify my-bucket/2024/data.csv
package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

var (
	broker   = pflag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID = pflag.String("client", "tsm-test-producer", "MQTT client ID")
	username = pflag.String("username", "", "MQTT username")
	password = pflag.String("password", "", "MQTT password")
	qos      = pflag.Int("qos", 1, "QoS level (0, 1, or 2)")

	device   = pflag.String("device", "chirpstack_generic", "Device type: chirpstack_generic, campbell_cr6 or brightsky_dwd_api")
	user     = pflag.String("user", "u-logger", "MQTT user of the thing, second topic segment")
	prefix   = pflag.String("prefix", "mqtt_ingest", "First topic segment")
	count    = pflag.Int("count", 1, "Number of messages to send (0 = unlimited)")
	rate     = pflag.Int("rate", 1, "Messages per second")
	duration = pflag.Duration("duration", 0, "Duration to run (0 = until count or Ctrl+C)")

	notify      = pflag.String("notify", "", "Publish one storage notification for <bucket>/<key> and exit")
	notifyTopic = pflag.String("notify-topic", "object_storage_notification", "Storage notification topic")
	verbose     = pflag.Bool("verbose", false, "Print every payload")
)

func main() {
	pflag.Parse()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		fmt.Fprintf(os.Stderr, "Connection timeout\n")
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect(1000)

	if *notify != "" {
		payload, _ := json.Marshal(map[string]string{
			"EventName": "s3:ObjectCreated:Put",
			"Key":       *notify,
		})
		if err := publish(client, *notifyTopic, payload); err != nil {
			fmt.Fprintf(os.Stderr, "Publish error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Announced %s on %s\n", *notify, *notifyTopic)
		return
	}

	build, ok := generators[*device]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown device type %q\n", *device)
		os.Exit(2)
	}
	topic := *prefix + "/" + *user + "/data"

	fmt.Printf("Broker: %s\nTopic:  %s\nDevice: %s\n\n", *broker, topic, *device)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(max(*rate, 1)))
	defer ticker.Stop()

	var durationTimer <-chan time.Time
	if *duration > 0 {
		durationTimer = time.After(*duration)
	}

	var sent, failed int
	start := time.Now()
	for running := true; running; {
		select {
		case <-sigCh:
			running = false
		case <-durationTimer:
			running = false
		case now := <-ticker.C:
			payload, err := json.Marshal(build(now))
			if err == nil {
				err = publish(client, topic, payload)
			}
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "Message %d failed: %v\n", sent+failed, err)
			} else {
				sent++
				if *verbose {
					fmt.Printf("%s\n", payload)
				}
			}
			if *count > 0 && sent+failed >= *count {
				running = false
			}
		}
	}

	fmt.Printf("\nSent %d, failed %d in %s\n", sent, failed, time.Since(start).Round(time.Millisecond))
}

func publish(client pahomqtt.Client, topic string, payload []byte) error {
	token := client.Publish(topic, byte(*qos), false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// generators build one message in the format of each device type
var generators = map[string]func(now time.Time) any{
	"chirpstack_generic": func(now time.Time) any {
		return map[string]any{
			"time": now.UTC().Format(time.RFC3339Nano),
			"object": map[string]any{
				"temperature": 15 + 10*rand.Float64(),
				"humidity":    40 + 40*rand.Float64(),
				"battery_ok":  true,
				"Data_time":   now.Unix(),
			},
		}
	},
	"campbell_cr6": func(now time.Time) any {
		ts := now.UTC().Format("2006-01-02T15:04:05")
		x := float64(now.Unix()%3600) / 3600 * 2 * math.Pi
		return map[string]any{
			"properties": map[string]any{
				"observationNames": []string{"Batt", "PTemp", "Level"},
				"observations": map[string]any{
					ts: []float64{12.5 + rand.Float64(), 20 + 5*math.Sin(x), 1.2 + 0.1*rand.Float64()},
				},
			},
		}
	},
	"brightsky_dwd_api": func(now time.Time) any {
		return map[string]any{
			"weather": map[string]any{
				"timestamp":   now.UTC().Truncate(time.Hour).Format(time.RFC3339),
				"temperature": 10 + 5*rand.Float64(),
				"condition":   "dry",
			},
			"sources": []map[string]any{{"id": 1, "station_name": "Test"}},
		}
	},
}
