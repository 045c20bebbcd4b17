// Package telemetry maintains a long-lived encrypted pub/sub session to
// each printer in the fleet, translating inbound report frames into State
// updates and serializing outbound commands.
package telemetry

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttPort       = 8883
	mqttQoS        = 0
	connectTimeout = 5 * time.Second
	keepAlive      = 30 * time.Second
)

// PrintParams carries the job flags and archive metadata needed to build a
// start-print command.
type PrintParams struct {
	SourceFilename  string
	MD5             string
	Timelapse       bool
	BedLevelling    bool
	FlowCalibration bool
	UseMaterialSystem bool
}

// Client is one printer's MQTT session. A Client owns the State it updates;
// callers read printer condition through State, never through Client.
type Client struct {
	host       string
	accessCode string
	serial     string
	clientID   string

	state *State
	mqtt  paho.Client
}

// New builds a Client for the given printer. The session is not opened
// until Connect is called.
func New(host, accessCode, serial string, state *State) *Client {
	return &Client{
		host:       host,
		accessCode: accessCode,
		serial:     serial,
		clientID:   fmt.Sprintf("bambu-farm-%s", serial),
		state:      state,
	}
}

// State returns the State this client keeps up to date.
func (c *Client) State() *State { return c.state }

// Connect opens the MQTT session. The underlying library handles
// reconnection with its own backoff; Connect itself only waits for the
// first attempt.
func (c *Client) Connect() error {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", c.host, mqttPort)).
		SetClientID(c.clientID).
		SetUsername("bblp").
		SetPassword(c.accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.handleMessage)

	c.mqtt = paho.NewClient(opts)

	token := c.mqtt.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to printer %s telemetry: %w", c.serial, token.Error())
	}
	return nil
}

// Disconnect closes the session. Safe to call even if Connect failed.
func (c *Client) Disconnect() {
	c.state.SetConnected(false)
	if c.mqtt != nil {
		c.mqtt.Disconnect(250)
	}
}

func (c *Client) onConnect(client paho.Client) {
	c.state.SetConnected(true)

	topic := fmt.Sprintf("device/%s/report", c.serial)
	token := client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		slog.Error("subscribing to printer report topic", "serial", c.serial, "error", token.Error())
		return
	}

	if err := c.requestPushAll(); err != nil {
		slog.Debug("requesting initial pushall", "serial", c.serial, "error", err)
	}
}

func (c *Client) onConnectionLost(client paho.Client, err error) {
	c.state.SetConnected(false)
	slog.Warn("printer telemetry session lost", "serial", c.serial, "error", err)
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	var envelope struct {
		Print *ReportFrame `json:"print"`
	}
	if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
		slog.Debug("malformed telemetry frame", "serial", c.serial, "error", err)
		return
	}
	if envelope.Print == nil {
		return
	}
	c.state.Update(*envelope.Print, time.Now())
}

// requestPushAll asks the device for a full state snapshot, per the
// pushall probe convention.
func (c *Client) requestPushAll() error {
	return c.publish(map[string]any{
		"pushing": map[string]any{
			"sequence_id": "1",
			"command":     "pushall",
		},
	})
}

// PublishPrint sends the start-print command. It returns false without
// publishing if the session is not currently connected.
func (c *Client) PublishPrint(params PrintParams) bool {
	if !c.state.Snapshot().Connected {
		return false
	}

	cmd := map[string]any{
		"print": map[string]any{
			"sequence_id":    strconv.FormatInt(time.Now().Unix(), 10),
			"command":        "project_file",
			"param":          "Metadata/plate_1.gcode",
			"project_id":     "0",
			"profile_id":     "0",
			"task_id":        "0",
			"subtask_id":     "0",
			"subtask_name":   "",
			"file":           params.SourceFilename,
			"url":            fmt.Sprintf("file:///sdcard/%s", params.SourceFilename),
			"md5":            params.MD5,
			"timelapse":      params.Timelapse,
			"bed_levelling":  params.BedLevelling,
			"flow_cali":      params.FlowCalibration,
			"vibration_cali": true,
			"layer_inspect":  true,
			"use_ams":        params.UseMaterialSystem,
		},
	}

	if err := c.publish(cmd); err != nil {
		slog.Warn("publishing print command failed", "serial", c.serial, "error", err)
		return false
	}
	return true
}

func (c *Client) publish(cmd map[string]any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	topic := fmt.Sprintf("device/%s/request", c.serial)
	token := c.mqtt.Publish(topic, mqttQoS, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing command: %w", token.Error())
	}
	return nil
}
