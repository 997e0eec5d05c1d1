package mqttbridge

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cepro/solisgateway/inverter"
	"github.com/cepro/solisgateway/modbus"
	"github.com/cepro/solisgateway/registers"
	"github.com/cepro/solisgateway/service"
	"github.com/cepro/solisgateway/telemetry"
)

type mockTarget struct {
	linkID   modbus.LinkID
	cached   map[uint16]uint16
	writes   []inverter.WriteRequest
	disabled bool
}

func (m *mockTarget) LinkID() modbus.LinkID { return m.linkID }
func (m *mockTarget) DeviceID() uint8        { return 1 }
func (m *mockTarget) UniqueID() string       { return "ABC123" }

func (m *mockTarget) EnqueueWrite(req inverter.WriteRequest) bool {
	m.writes = append(m.writes, req)
	return true
}

func (m *mockTarget) CachedRegister(register uint16) (uint16, bool) {
	v, ok := m.cached[register]
	return v, ok
}

func (m *mockTarget) Enable() bool {
	m.disabled = false
	return true
}

func (m *mockTarget) Disable() {
	m.disabled = true
}

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }

func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  interface{}
}

// fakeClient records publishes. Methods that are not overridden panic.
type fakeClient struct {
	mqtt.Client
	open bool

	mu        sync.Mutex
	published []published
}

func (f *fakeClient) IsConnectionOpen() bool { return f.open }

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: payload})
	return &doneToken{}
}

func newTestBridge() (*Bridge, *mockTarget, *telemetry.Store) {
	target := &mockTarget{linkID: "10.0.0.1:502", cached: map[uint16]uint16{}}
	registry := service.NewRegistry()
	registry.Add(target)
	store := telemetry.NewStore()
	b := New(Config{Broker: "tcp://127.0.0.1:1883", ClientID: "test", TopicPrefix: "solis"}, service.New(registry), store)
	return b, target, store
}

func TestEventTopic(t *testing.T) {
	type subTest struct {
		name          string
		event         telemetry.ChangeEvent
		expectedTopic string
	}

	subTests := []subTest{
		{
			name:          "tcp link",
			event:         telemetry.ChangeEvent{LinkID: "10.0.0.1:502", DeviceID: 1, Register: 33139},
			expectedTopic: "solis/10.0.0.1_502/1/33139",
		},
		{
			name:          "serial link",
			event:         telemetry.ChangeEvent{LinkID: "/dev/ttyUSB0", DeviceID: 3, Register: 43007},
			expectedTopic: "solis/_dev_ttyUSB0/3/43007",
		},
		{
			name:          "synthetic register",
			event:         telemetry.ChangeEvent{LinkID: "h:1502", DeviceID: 1, Register: registers.RegisterEnabled},
			expectedTopic: "solis/h_1502/1/90005",
		},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expectedTopic, eventTopic("solis", test.event))
		})
	}
}

func TestEventPayload(t *testing.T) {
	assert.Equal(t, "87", eventPayload(uint16(87)))
	assert.Equal(t, "true", eventPayload(true))
	assert.Equal(t, "2024-05-01T12:00:00Z", eventPayload(time.Date(2024, 5, 1, 13, 0, 0, 0, time.FixedZone("BST", 3600))))
	assert.Equal(t, "x", eventPayload("x"))
}

func TestHandleCommand(t *testing.T) {
	b, target, _ := newTestBridge()

	require.NoError(t, b.handleCommand("solis/command/write_holding_register", []byte(`{"address": 43007, "value": 222}`)))
	require.NoError(t, b.handleCommand("solis/command/set_time", []byte(`{"register": 43000, "time": "14:05"}`)))

	target.cached[registers.RegisterWorkMode] = 1 << registers.WorkModeSelfUse
	require.NoError(t, b.handleCommand("solis/command/set_work_mode_bit", []byte(`{"bit": 6, "enabled": true}`)))

	require.Len(t, target.writes, 3)
	assert.Equal(t, inverter.SingleRegister(43007, 222).Values, target.writes[0].Values)
	assert.Equal(t, uint16(43000), target.writes[1].Address)
	assert.Equal(t, []uint16{14, 5}, target.writes[1].Values)
	assert.True(t, target.writes[1].Multiple)
	assert.Equal(t, []uint16{1 << registers.WorkModeFeedInPriority}, target.writes[2].Values)
}

func TestHandleSetEnabledCommand(t *testing.T) {
	b, target, _ := newTestBridge()

	require.NoError(t, b.handleCommand("solis/command/set_enabled", []byte(`{"link_id": "10.0.0.1:502", "enabled": false}`)))
	assert.True(t, target.disabled)
	require.NoError(t, b.handleCommand("solis/command/set_enabled", []byte(`{"enabled": true}`)))
	assert.False(t, target.disabled)
	assert.Error(t, b.handleCommand("solis/command/set_enabled", []byte(`{"device_id": 9, "enabled": false}`)))
	assert.False(t, target.disabled)
}

func TestHandleCommandErrors(t *testing.T) {
	b, target, _ := newTestBridge()

	type subTest struct {
		name    string
		topic   string
		payload string
	}

	subTests := []subTest{
		{"unknown command", "solis/command/reboot", `{}`},
		{"bad json", "solis/command/write_holding_register", `{`},
		{"unknown field", "solis/command/write_holding_register", `{"register": 43007}`},
		{"input register", "solis/command/write_holding_register", `{"address": 33000, "value": 1}`},
		{"unknown link", "solis/command/set_time", `{"register": 43000, "time": "14:05", "link_id": "nope"}`},
		{"bad time", "solis/command/set_time", `{"register": 43000, "time": "25:00"}`},
		{"bad bit", "solis/command/set_work_mode_bit", `{"bit": 16, "enabled": true}`},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			assert.Error(t, b.handleCommand(test.topic, []byte(test.payload)))
		})
	}
	assert.Empty(t, target.writes)
}

func TestPublish(t *testing.T) {
	b, _, store := newTestBridge()
	client := &fakeClient{}
	b.client = client

	unsubscribe := store.Subscribe(b.publish)
	defer unsubscribe()

	store.Put(telemetry.CacheKey{LinkID: "10.0.0.1:502", DeviceID: 1, Register: 33139}, 55)
	assert.Empty(t, client.published)

	client.open = true
	store.Put(telemetry.CacheKey{LinkID: "10.0.0.1:502", DeviceID: 1, Register: 33139}, 56)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.published, 1)
	assert.Equal(t, "solis/10.0.0.1_502/1/33139", client.published[0].topic)
	assert.True(t, client.published[0].retained)
	assert.Equal(t, "56", client.published[0].payload)
}
