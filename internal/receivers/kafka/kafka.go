// Package kafka consumes analytics events from a Kafka topic. Each message
// carries either one JSON event or, with extra.ndjson, a newline-delimited
// batch of them.
package kafka

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

var eventsConsumed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "behavior_engine_kafka_events_total",
	Help: "Events decoded from Kafka messages.",
})

type Receiver struct {
	brokers []string
	topic   string
	group   string

	maxBytes int  // per message fetch cap
	ndjson   bool // split each message by lines
}

// New builds a Kafka receiver.
//
// Supported rc.Extra keys:
//   - max_bytes: int (default 10MB)
//   - ndjson: bool (default false)
func New(rc config.ReceiverCfg) *Receiver {
	maxBytes := 10 * 1024 * 1024
	if v := config.ExtraInt(rc.Extra, "max_bytes", 0); v > 0 {
		maxBytes = v
	}
	return &Receiver{
		brokers:  rc.Brokers,
		topic:    rc.Topic,
		group:    rc.Group,
		maxBytes: maxBytes,
		ndjson:   config.ExtraBool(rc.Extra, "ndjson", false),
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Event) error {
	if len(r.brokers) == 0 || strings.TrimSpace(r.topic) == "" {
		return errors.New("kafka receiver: missing brokers or topic")
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  r.brokers,
		GroupID:  r.groupOrDefault(),
		Topic:    r.topic,
		MaxBytes: r.maxBytes,
	})
	defer func() { _ = reader.Close() }()

	log.Info().Str("topic", r.topic).Str("group", r.groupOrDefault()).
		Strs("brokers", r.brokers).Msg("kafka receiver consuming")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			// graceful exit on context cancellation
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn().Err(err).Msg("kafka read error")
				time.Sleep(500 * time.Millisecond)
				continue
			}
		}

		if r.ndjson {
			sc := bufio.NewScanner(bytes.NewReader(msg.Value))
			buf := make([]byte, 0, 64*1024)
			sc.Buffer(buf, r.maxBytes)
			for sc.Scan() {
				emitLine(sc.Bytes(), out)
			}
			if err := sc.Err(); err != nil {
				log.Warn().Err(err).Msg("kafka ndjson scan error")
			}
		} else {
			emitLine(msg.Value, out)
		}
	}
}

func emitLine(raw []byte, out chan<- model.Event) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	var ev model.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		log.Warn().Err(err).Msg("kafka skipping undecodable event")
		return
	}
	out <- ev
	eventsConsumed.Inc()
}

func (r *Receiver) groupOrDefault() string {
	if strings.TrimSpace(r.group) == "" {
		return "behavior-engine"
	}
	return r.group
}
