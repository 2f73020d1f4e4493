package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// quiesceMillis bounds how long Close lets in-flight work finish.
	quiesceMillis = 1000

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// pahoOptions translates cfg for paho. The session is clean, reconnects
// are automatic and the broker is told to mark the client offline when it
// vanishes.
func pahoOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	id := cfg.Broker.ClientID
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(id).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		SetBinaryWill(StatusTopic(id), presenceMessage("offline", id, "unexpected_disconnect"), 1, true)

	if u := cfg.Auth.Username; u != "" {
		opts.SetUsername(u).SetPassword(cfg.Auth.Password)
	}
	if d := cfg.Reconnect.InitialDelay; d > 0 {
		opts.SetConnectRetryInterval(time.Duration(d) * time.Second)
	}
	if d := cfg.Reconnect.MaxDelay; d > 0 {
		opts.SetMaxReconnectInterval(time.Duration(d) * time.Second)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// presence is the retained message on a client's status topic.
type presence struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func presenceMessage(status, clientID, reason string) []byte {
	b, _ := json.Marshal(presence{ //nolint:errcheck // strings only
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}
