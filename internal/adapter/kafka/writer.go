package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/config"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/download"
	"github.com/paulmach/orb/maptile"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of kafkago.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Notifier publishes one message per completed region download.
// It implements provider.Notifier.
type Notifier struct {
	writer messageWriter
	logger *slog.Logger
}

// NewNotifier creates a Kafka producer for the configured download topic.
func NewNotifier(cfg *config.Config, logger *slog.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaDownloadTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Notifier{writer: w, logger: logger}
}

// NotifyDownload publishes res keyed by its observation time key, so every
// batch for one time slot lands on the same partition.
func (n *Notifier) NotifyDownload(ctx context.Context, res download.Result) error {
	msg, err := serializeToMessage(res, domain.Now())
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish download result: %w", err)
	}
	n.logger.Debug("download result published", "time_key", res.TimeKey, "tiles", len(res.Tiles))
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// TileRef is the wire form of a tile id.
type TileRef struct {
	Z uint32 `json:"z"`
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// DownloadMessage is the JSON value of a notification.
type DownloadMessage struct {
	TimeKey         string    `json:"time_key"`
	ObservationTime time.Time `json:"observation_time"`
	Succeeded       []TileRef `json:"succeeded"`
	Failed          []TileRef `json:"failed"`
	Cancelled       []TileRef `json:"cancelled"`
}

func tileRefs(tiles []maptile.Tile) []TileRef {
	out := make([]TileRef, len(tiles))
	for i, t := range tiles {
		out[i] = TileRef{Z: uint32(t.Z), X: t.X, Y: t.Y}
	}
	return out
}

// serializeToMessage marshals a download result into a Kafka message.
func serializeToMessage(res download.Result, completedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(DownloadMessage{
		TimeKey:         res.TimeKey,
		ObservationTime: res.ObservationTime.UTC(),
		Succeeded:       tileRefs(res.Succeeded()),
		Failed:          tileRefs(res.Failed()),
		Cancelled:       tileRefs(res.Cancelled()),
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize download result: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(res.TimeKey),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "observation_time", Value: []byte(res.ObservationTime.UTC().Format(time.RFC3339))},
			{Key: "completed_at", Value: []byte(completedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
