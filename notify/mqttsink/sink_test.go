package mqttsink

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/notify"
)

type token struct {
	err     error
	pending bool
}

func (t *token) Wait() bool                     { return !t.pending }
func (t *token) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}
func (t *token) Error() error { return t.err }

type message struct {
	topic   string
	qos     byte
	retain  bool
	payload interface{}
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	err          error
	pending      bool
	disconnected bool
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message{topic: topic, qos: qos, retain: retained, payload: payload})
	return &token{err: f.err, pending: f.pending}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func TestPublishEncodesEventUnderKindTopic(t *testing.T) {
	client := &fakeClient{}
	sink := NewWithClient(client, config.MQTTConfig{TopicPrefix: "lab/pl/", QoS: 1}, zerolog.Nop())

	ev := notify.Event{Kind: notify.KindWavelength, Device: "mono", Value: 812.5}
	require.NoError(t, sink.Publish(ev))
	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	require.Equal(t, "lab/pl/wavelength", msg.topic)
	require.Equal(t, byte(1), msg.qos)
	require.False(t, msg.retain)

	var decoded notify.Event
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &decoded))
	require.Equal(t, "mono", decoded.Device)
	require.Equal(t, 812.5, decoded.Value)
}

func TestPublishErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	sink := NewWithClient(client, config.MQTTConfig{}, zerolog.Nop())
	err := sink.Publish(notify.Event{Kind: notify.KindScanFinished})
	require.ErrorContains(t, err, "plscan/scan_finished")
	require.ErrorContains(t, err, "not connected")

	client = &fakeClient{pending: true}
	sink = NewWithClient(client, config.MQTTConfig{Timeout: config.Duration{Duration: time.Millisecond}}, zerolog.Nop())
	require.ErrorContains(t, sink.Publish(notify.Event{Kind: notify.KindPhase}), "timeout")
}

func TestCloseMarksOffline(t *testing.T) {
	client := &fakeClient{}
	sink := NewWithClient(client, config.MQTTConfig{TopicPrefix: "bench"}, zerolog.Nop())
	require.NoError(t, sink.Close())
	require.True(t, client.disconnected)
	require.Equal(t, message{topic: "bench/status", retain: true, payload: statusOffline}, client.messages[0])
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(config.MQTTConfig{}, zerolog.Nop())
	require.ErrorContains(t, err, "broker")
}
