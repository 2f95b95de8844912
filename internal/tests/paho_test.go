package tests_test

import (
	"crypto/tls"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoanBrand/mockbroker"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func pahoClient(t *testing.T, url string, tlsConfig *tls.Config) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(generateNewClientID()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(waitTime).
		SetKeepAlive(30 * time.Second)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(waitTime))
	require.NoError(t, token.Error())
	t.Cleanup(func() { c.Disconnect(100) })
	return c
}

func TestPahoQoSMirroring(t *testing.T) {
	t.Parallel()
	for _, ws := range []bool{false, true} {
		ws := ws
		name := "tcp"
		if ws {
			name = "websocket"
		}

		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := newEvents()
			b, addr := startBroker(t, e.hooks(), func(b *mockbroker.Broker) {
				b.WS.Enabled = ws
			})

			url := "tcp://" + addr
			if ws {
				url = "ws://" + addr + "/mqtt"
			}
			c := pahoClient(t, url, nil)

			topic := "mirror/" + uuid.NewString()
			received := make(chan mqtt.Message, 1)
			token := c.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
				received <- m
			})
			require.True(t, token.WaitTimeout(waitTime))
			require.NoError(t, token.Error())

			id, err := b.Publish(topic, []byte("mirrored"), 1, false)
			require.NoError(t, err)

			select {
			case m := <-received:
				require.Equal(t, byte(1), m.Qos())
				require.Equal(t, "mirrored", string(m.Payload()))
			case <-time.After(waitTime):
				t.Fatal("timed out waiting for message")
			}
			require.Equal(t, id, e.publish(t))
		})
	}
}

func TestPahoPublish(t *testing.T) {
	t.Parallel()
	e := newEvents()
	_, addr := startBroker(t, e.hooks(), func(b *mockbroker.Broker) {
		b.AutoPuback = true
	})
	c := pahoClient(t, "tcp://"+addr, nil)

	for qos := byte(0); qos <= 2; qos++ {
		token := c.Publish("from/client", qos, false, []byte{qos})
		require.True(t, token.WaitTimeout(waitTime))
		require.NoError(t, token.Error())

		m := e.message(t)
		require.Equal(t, "from/client", m.Topic)
		require.Equal(t, qos, m.QoS)
		require.Equal(t, []byte{qos}, m.Payload)
	}

	c.Disconnect(100)
	require.Equal(t, mockbroker.Success, e.disconnect(t))
}

func TestOnLog(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var lines []string
	h := mockbroker.Hooks{
		OnLog: func(b *mockbroker.Broker, _ interface{}, level mockbroker.LogLevel, text string) {
			mu.Lock()
			lines = append(lines, level.String()+" "+text)
			mu.Unlock()
		},
	}
	_, addr := startBroker(t, h, func(b *mockbroker.Broker) {
		b.Log.Level = "debug"
	})

	dial(t, addr, "logged", true, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range lines {
			if strings.HasPrefix(l, "debug CONNECT received") && strings.Contains(l, "ClientId=logged") {
				return true
			}
		}
		return false
	}, waitTime, 10*time.Millisecond)
}
