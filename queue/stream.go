// Package queue carries conversion work and completion notices over Redis
// Streams consumer groups. Delivery is at-least-once: a message stays in the
// group's pending list until acknowledged and is reclaimed once it has been
// idle for too long.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fileconverter/config"
	"fileconverter/models"
)

// Delivery is one read of a work message. Err is set when the payload could
// not be decoded; such deliveries can only be dead-lettered.
type Delivery struct {
	ID         string
	Payload    string
	Message    models.QueueMessage
	Deliveries int64
	Err        error
}

// NotificationDelivery is one read of a completion notice.
type NotificationDelivery struct {
	ID           string
	Notification models.ConversionNotification
	Err          error
}

type Stream struct {
	rc          redis.UniversalClient
	stream      string
	dlq         string
	notify      string
	group       string
	notifyGroup string
	consumer    string
	maxLen      int64
	block       time.Duration
	minIdle     time.Duration
}

func NewStream(rc redis.UniversalClient, cfg *config.Config, consumer string) *Stream {
	return &Stream{
		rc:          rc,
		stream:      cfg.WorkStream,
		dlq:         cfg.DeadLetterStream,
		notify:      cfg.NotifyStream,
		group:       cfg.ConsumerGroup,
		notifyGroup: cfg.NotifyGroup,
		consumer:    consumer,
		maxLen:      cfg.QueueMaxLen,
		block:       cfg.QueueBlockTimeout,
		minIdle:     cfg.ClaimMinIdle,
	}
}

// EnsureGroups creates the work and notification consumer groups.
func (s *Stream) EnsureGroups(ctx context.Context) error {
	for stream, group := range map[string]string{s.stream: s.group, s.notify: s.notifyGroup} {
		err := s.rc.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
		}
	}
	return nil
}

// Enqueue appends a work message. Any error means the message was not accepted.
func (s *Stream) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = s.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload":    string(raw),
			"jobId":      msg.JobID,
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Read blocks for up to the configured timeout and returns the next new
// message for this consumer, or nil when none arrived.
func (s *Stream) Read(ctx context.Context) (*Delivery, error) {
	msg, err := s.readOne(ctx, s.stream, s.group)
	if err != nil || msg == nil {
		return nil, err
	}
	d := s.decode(*msg)
	d.Deliveries, err = s.deliveryCount(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Ack removes a message from the pending list.
func (s *Stream) Ack(ctx context.Context, id string) error {
	return s.rc.XAck(ctx, s.stream, s.group, id).Err()
}

// DeadLetter copies a delivery to the dead-letter stream and acknowledges it
// on the work stream in one transaction.
func (s *Stream) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	fields := map[string]any{
		"original_message_id": d.ID,
		"original_queue":      s.stream,
		"reason":              reason,
		"moved_at":            time.Now().UTC().Format(time.RFC3339),
		"worker_id":           s.consumer,
		"deliveries":          d.Deliveries,
		"payload":             d.Payload,
	}
	if d.Message.JobID != "" {
		fields["jobId"] = d.Message.JobID
	}

	_, err := s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.dlq, Values: fields})
		pipe.XAck(ctx, s.stream, s.group, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", d.ID, err)
	}
	return nil
}

// Reclaim takes ownership of messages other consumers read but never
// acknowledged within the idle threshold.
func (s *Stream) Reclaim(ctx context.Context) ([]*Delivery, error) {
	var claimed []*Delivery
	next := "0-0"
	for {
		msgs, start, err := s.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed to auto-claim: %w", err)
		}
		for _, m := range msgs {
			d := s.decode(m)
			if d.Deliveries, err = s.deliveryCount(ctx, m.ID); err != nil {
				return claimed, err
			}
			claimed = append(claimed, d)
		}
		if start == "0-0" || len(msgs) == 0 {
			return claimed, nil
		}
		next = start
	}
}

// Backlog reports the number of entries in the work and dead-letter streams.
func (s *Stream) Backlog(ctx context.Context) (work, dead int64, err error) {
	if work, err = s.rc.XLen(ctx, s.stream).Result(); err != nil {
		return 0, 0, err
	}
	if dead, err = s.rc.XLen(ctx, s.dlq).Result(); err != nil {
		return 0, 0, err
	}
	return work, dead, nil
}

func (s *Stream) PublishNotification(ctx context.Context, n models.ConversionNotification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: s.notify,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(raw), "jobId": n.JobID},
	}).Err()
}

func (s *Stream) ReadNotification(ctx context.Context) (*NotificationDelivery, error) {
	msg, err := s.readOne(ctx, s.notify, s.notifyGroup)
	if err != nil || msg == nil {
		return nil, err
	}

	d := &NotificationDelivery{ID: msg.ID}
	raw, _ := msg.Values["payload"].(string)
	if err := json.Unmarshal([]byte(raw), &d.Notification); err != nil {
		d.Err = fmt.Errorf("%w: %v", models.ErrPoisonMessage, err)
	}
	return d, nil
}

func (s *Stream) AckNotification(ctx context.Context, id string) error {
	return s.rc.XAck(ctx, s.notify, s.notifyGroup, id).Err()
}

func (s *Stream) readOne(ctx context.Context, stream, group string) (*redis.XMessage, error) {
	streams, err := s.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: s.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from %s: %w", stream, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

func (s *Stream) deliveryCount(ctx context.Context, id string) (int64, error) {
	pending, err := s.rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delivery count: %w", err)
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

func (s *Stream) decode(m redis.XMessage) *Delivery {
	d := &Delivery{ID: m.ID}
	raw, ok := m.Values["payload"].(string)
	if !ok {
		d.Err = fmt.Errorf("%w: missing payload", models.ErrPoisonMessage)
		return d
	}
	d.Payload = raw
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		d.Err = fmt.Errorf("%w: %v", models.ErrPoisonMessage, err)
		return d
	}
	if err := d.Message.Validate(); err != nil {
		d.Err = fmt.Errorf("%w: %v", models.ErrPoisonMessage, err)
	}
	return d
}
