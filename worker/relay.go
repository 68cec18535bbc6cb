package worker

import (
	"context"
	"log"
	"time"

	"github.com/getsentry/sentry-go"

	"fileconverter/notify"
	"fileconverter/queue"
)

type NotificationQueue interface {
	ReadNotification(ctx context.Context) (*queue.NotificationDelivery, error)
	AckNotification(ctx context.Context, id string) error
}

// Linker turns an object key into a link the owner can open.
type Linker interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Relay forwards completion notices from the notification stream to the
// owner. It runs apart from the workers so a notifier outage never touches
// job state.
type Relay struct {
	queue    NotificationQueue
	notifier notify.Notifier
	links    Linker
	linkTTL  time.Duration
}

func NewRelay(q NotificationQueue, notifier notify.Notifier, links Linker, linkTTL time.Duration) *Relay {
	return &Relay{queue: q, notifier: notifier, links: links, linkTTL: linkTTL}
}

func (r *Relay) Run(ctx context.Context) {
	log.Println("[Relay] Starting notification relay")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Relay] Shutting down")
			return
		default:
			d, err := r.queue.ReadNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("[Relay] Queue error: %v", err)
				sleep(ctx, 5*time.Second)
				continue
			}
			if d == nil {
				continue
			}
			r.deliver(ctx, d)
		}
	}
}

// deliver makes one attempt and acknowledges the notice either way.
func (r *Relay) deliver(ctx context.Context, d *queue.NotificationDelivery) {
	defer func() {
		if err := r.queue.AckNotification(ctx, d.ID); err != nil {
			log.Printf("[Relay] Failed to ack notice %s: %v", d.ID, err)
		}
	}()

	if d.Err != nil {
		log.Printf("[Relay] Dropping unreadable notice %s: %v", d.ID, d.Err)
		sentry.CaptureException(d.Err)
		return
	}

	n := d.Notification
	ref := n.DownloadRef
	if r.links != nil {
		url, err := r.links.PresignGet(ctx, n.DownloadRef, r.linkTTL)
		if err != nil {
			log.Printf("[Relay] Failed to sign download link for job %s: %v", n.JobID, err)
		} else {
			ref = url
		}
	}

	if err := r.notifier.NotifyConversionComplete(ctx, n.OwnerID, n.FileName, ref); err != nil {
		log.Printf("[Relay] Failed to notify %s about job %s: %v", n.OwnerID, n.JobID, err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("job_id", n.JobID)
			sentry.CaptureException(err)
		})
		return
	}
	log.Printf("[Relay] Notified %s about job %s", n.OwnerID, n.JobID)
}
