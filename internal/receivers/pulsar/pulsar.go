// Package pulsar consumes analytics events from an Apache Pulsar topic.
//
// Config mapping (config.ReceiverCfg):
//   - Endpoint OR Brokers[0]  => Pulsar serviceURL (pulsar://host:6650, pulsar+ssl://host:6651)
//   - Topic                   => topic to subscribe
//   - Group                   => subscription name
//   - Extra:
//     ndjson: bool                          // split messages by newline (default false)
//     subscription_type: string             // "exclusive" | "shared" | "failover" | "key_shared" (default "shared")
//     auth_token: string                    // static token
//     auth_token_file: string               // read token from file (if auth_token empty)
//     tls_allow_insecure: bool              // default false
//     tls_trust_certs_file: string          // path to CA bundle for TLS
//     message_chan_buffer: int              // consumer buffer (default 32)
//     receiver_queue_size: int              // prefetch queue per consumer (default 1000)
package pulsar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	ps "github.com/apache/pulsar-client-go/pulsar"
	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

type Receiver struct {
	serviceURL string
	topic      string
	subName    string

	ndjson bool

	subType           ps.SubscriptionType
	authToken         string
	authTokenFile     string
	tlsAllowInsecure  bool
	tlsTrustCertsPath string
	msgChanBuffer     int
	receiverQueueSize int
}

func New(rc config.ReceiverCfg) *Receiver {
	svc := strings.TrimSpace(rc.Endpoint)
	if svc == "" && len(rc.Brokers) > 0 {
		svc = strings.TrimSpace(rc.Brokers[0])
	}

	subType := ps.Shared
	switch strings.ToLower(strings.TrimSpace(config.ExtraString(rc.Extra, "subscription_type", ""))) {
	case "exclusive":
		subType = ps.Exclusive
	case "failover":
		subType = ps.Failover
	case "key_shared", "keyshared", "key-shared":
		subType = ps.KeyShared
	}

	msgBuf := 32
	if v := config.ExtraInt(rc.Extra, "message_chan_buffer", 0); v > 0 {
		msgBuf = v
	}
	recvQ := 1000
	if v := config.ExtraInt(rc.Extra, "receiver_queue_size", 0); v > 0 {
		recvQ = v
	}

	return &Receiver{
		serviceURL:        svc,
		topic:             rc.Topic,
		subName:           rc.Group, // mirrors Kafka group
		ndjson:            config.ExtraBool(rc.Extra, "ndjson", false),
		subType:           subType,
		authToken:         config.ExtraString(rc.Extra, "auth_token", ""),
		authTokenFile:     config.ExtraString(rc.Extra, "auth_token_file", ""),
		tlsAllowInsecure:  config.ExtraBool(rc.Extra, "tls_allow_insecure", false),
		tlsTrustCertsPath: config.ExtraString(rc.Extra, "tls_trust_certs_file", ""),
		msgChanBuffer:     msgBuf,
		receiverQueueSize: recvQ,
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Event) error {
	if r.serviceURL == "" || strings.TrimSpace(r.topic) == "" || strings.TrimSpace(r.subName) == "" {
		return errors.New("pulsar receiver: missing serviceURL, topic, or subscription name")
	}

	cliOpts := ps.ClientOptions{
		URL:                        r.serviceURL,
		TLSAllowInsecureConnection: r.tlsAllowInsecure,
		TLSTrustCertsFilePath:      r.tlsTrustCertsPath,
	}
	if r.authToken != "" {
		cliOpts.Authentication = ps.NewAuthenticationToken(r.authToken)
	} else if r.authTokenFile != "" {
		cliOpts.Authentication = ps.NewAuthenticationTokenFromFile(r.authTokenFile)
	}

	client, err := ps.NewClient(cliOpts)
	if err != nil {
		return err
	}
	defer client.Close()

	consumer, err := client.Subscribe(ps.ConsumerOptions{
		Topic:             r.topic,
		SubscriptionName:  r.subName,
		Type:              r.subType,
		MessageChannel:    make(chan ps.ConsumerMessage, r.msgChanBuffer),
		ReceiverQueueSize: r.receiverQueueSize,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Info().Str("topic", r.topic).Str("subscription", r.subName).
		Str("url", r.serviceURL).Msg("pulsar receiver consuming")

	msgCh := consumer.Chan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cm, ok := <-msgCh:
			if !ok {
				return nil
			}
			r.emit(cm.Message.Payload(), out)
			// Ack regardless of decode outcome to avoid redelivery loops.
			consumer.Ack(cm.Message)
		}
	}
}

func (r *Receiver) emit(payload []byte, out chan<- model.Event) {
	if r.ndjson {
		sc := bufio.NewScanner(bytes.NewReader(payload))
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 10*1024*1024)
		for sc.Scan() {
			emitLine(sc.Bytes(), out)
		}
		if err := sc.Err(); err != nil {
			log.Warn().Err(err).Msg("pulsar ndjson scan error")
		}
		return
	}
	emitLine(payload, out)
}

func emitLine(raw []byte, out chan<- model.Event) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	var ev model.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		log.Warn().Err(err).Msg("pulsar skipping undecodable event")
		return
	}
	out <- ev
}
