package mqtt

import (
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestNewBrokerDefaults(t *testing.T) {
	b := NewBroker(Config{Broker: "tcp://127.0.0.1:1883"})
	assert.Assert(t, strings.HasPrefix(b.cfg.ClientID, "modbus-adapter-"))
	assert.Equal(t, len(b.cfg.ClientID), len("modbus-adapter-")+8)
	assert.Equal(t, b.cfg.ConnectTimeout, 10*time.Second)

	other := NewBroker(Config{Broker: "tcp://127.0.0.1:1883"})
	assert.Assert(t, b.cfg.ClientID != other.cfg.ClientID)
}

func TestPublishWithoutConnection(t *testing.T) {
	b := NewBroker(Config{Broker: "tcp://127.0.0.1:1883", ClientID: "test"})
	assert.ErrorContains(t, b.Publish("modbus/error", []byte("{}"), false), "mqtt未连接")
	assert.NilError(t, b.Close())
}
