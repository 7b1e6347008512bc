package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/luisarev/mensajero/internal/history"
	"github.com/luisarev/mensajero/internal/media"
	"github.com/luisarev/mensajero/internal/observability"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/waproto"
)

// NamePlaceholder in a message template is substituted per recipient.
const NamePlaceholder = "{nombre}"

// DefaultName replaces the placeholder when a recipient line has no name.
const DefaultName = "amigo"

// Recipient is one target of a text batch.
type Recipient struct {
	Number string
	Name   string
}

// Result is the per-recipient outcome of a send.
type Result struct {
	Number string `json:"number"`
	Status string `json:"status"` // sent or error
	Detail string `json:"detail,omitempty"`
}

const (
	StatusSent  = "sent"
	StatusError = "error"
)

// ConnSource resolves the live connection for an account key.
type ConnSource interface {
	Connected(key string) (waproto.Connection, error)
}

// Dispatcher gates every outbound send through the volume ceilings and the
// randomized pacing delay, then hands it to the account's connection.
type Dispatcher struct {
	conns      ConnSource
	limiter    *ratelimit.Limiter
	transcoder media.Transcoder
	store      history.Store
	metrics    *observability.Metrics

	// delay is the pacing source, swappable in tests.
	delay func() time.Duration
}

func New(conns ConnSource, limiter *ratelimit.Limiter, transcoder media.Transcoder, store history.Store, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		conns:      conns,
		limiter:    limiter,
		transcoder: transcoder,
		store:      store,
		metrics:    metrics,
		delay:      limiter.Delay,
	}
}

// SetDelayFunc overrides the pacing source. Tests only.
func (d *Dispatcher) SetDelayFunc(fn func() time.Duration) {
	d.delay = fn
}

// pace waits the randomized per-message delay without holding any per-account
// lock, so status and stats queries stay responsive during a batch.
func (d *Dispatcher) pace(ctx context.Context) error {
	delay := d.delay()
	if d.metrics != nil {
		d.metrics.ObservePacingDelay(delay)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendText sends the template to each recipient in order. An hourly-limit
// rejection records a failure and moves on; a daily-limit rejection records a
// failure and stops the remaining batch, since the daily window will not
// recover until the next calendar day. A transport error for one recipient
// never aborts the batch.
func (d *Dispatcher) SendText(ctx context.Context, key string, recipients []Recipient, template string) ([]Result, error) {
	conn, err := d.conns.Connected(key)
	if err != nil {
		return nil, err
	}

	// A batch whose account is already at a ceiling is rejected whole,
	// before any pacing work.
	stats := d.limiter.Stats(key)
	if stats.Hourly >= ratelimit.HourlyLimit {
		d.observeRejection(ratelimit.ScopeHourly)
		return nil, &ratelimit.RateLimitError{Scope: ratelimit.ScopeHourly, Limit: ratelimit.HourlyLimit}
	}
	if stats.Daily >= ratelimit.DailyLimit {
		d.observeRejection(ratelimit.ScopeDaily)
		return nil, &ratelimit.RateLimitError{Scope: ratelimit.ScopeDaily, Limit: ratelimit.DailyLimit}
	}

	results := make([]Result, 0, len(recipients))
	for _, rcpt := range recipients {
		hourlyOk, dailyOk := d.limiter.Track(key)
		if !hourlyOk {
			d.observeRejection(ratelimit.ScopeHourly)
			results = append(results, d.record(ctx, key, rcpt.Number, "text", Result{
				Number: rcpt.Number,
				Status: StatusError,
				Detail: (&ratelimit.RateLimitError{Scope: ratelimit.ScopeHourly, Limit: ratelimit.HourlyLimit}).Error(),
			}))
			continue
		}
		if !dailyOk {
			d.observeRejection(ratelimit.ScopeDaily)
			results = append(results, d.record(ctx, key, rcpt.Number, "text", Result{
				Number: rcpt.Number,
				Status: StatusError,
				Detail: (&ratelimit.RateLimitError{Scope: ratelimit.ScopeDaily, Limit: ratelimit.DailyLimit}).Error(),
			}))
			break
		}

		if err := d.pace(ctx); err != nil {
			return results, err
		}

		name := strings.TrimSpace(rcpt.Name)
		if name == "" {
			name = DefaultName
		}
		text := strings.ReplaceAll(template, NamePlaceholder, name)

		res := Result{Number: rcpt.Number, Status: StatusSent}
		if err := conn.Send(ctx, waproto.ChatID(rcpt.Number), waproto.Message{Text: text}); err != nil {
			log.Printf("dispatch: send to %s for %s failed: %v", rcpt.Number, key, err)
			res = Result{Number: rcpt.Number, Status: StatusError, Detail: err.Error()}
		}
		d.observeMessage("text", res.Status)
		results = append(results, d.record(ctx, key, rcpt.Number, "text", res))
	}
	return results, nil
}

// SendMedia sends one image. Both ceilings are checked up front so no
// transcoding work happens for a send that would be rejected anyway.
func (d *Dispatcher) SendMedia(ctx context.Context, key string, input []byte, recipient, caption string) (Result, error) {
	conn, err := d.conns.Connected(key)
	if err != nil {
		return Result{}, err
	}

	hourlyOk, dailyOk := d.limiter.Track(key)
	if !hourlyOk {
		d.observeRejection(ratelimit.ScopeHourly)
		return Result{}, &ratelimit.RateLimitError{Scope: ratelimit.ScopeHourly, Limit: ratelimit.HourlyLimit}
	}
	if !dailyOk {
		d.observeRejection(ratelimit.ScopeDaily)
		return Result{}, &ratelimit.RateLimitError{Scope: ratelimit.ScopeDaily, Limit: ratelimit.DailyLimit}
	}

	encoded, err := d.transcoder.Transcode(input, media.DefaultOptions())
	if err != nil {
		d.observeMessage("media", StatusError)
		return Result{}, fmt.Errorf("transcode image for %s: %w", key, err)
	}

	if err := d.pace(ctx); err != nil {
		return Result{}, err
	}

	msg := waproto.Message{Media: &waproto.MediaAttachment{
		Data:     encoded,
		MimeType: "image/jpeg",
		Caption:  caption,
	}}
	res := Result{Number: recipient, Status: StatusSent}
	if err := conn.Send(ctx, waproto.ChatID(recipient), msg); err != nil {
		log.Printf("dispatch: media send to %s for %s failed: %v", recipient, key, err)
		res = Result{Number: recipient, Status: StatusError, Detail: err.Error()}
		d.observeMessage("media", StatusError)
		d.record(ctx, key, recipient, "media", res)
		return res, fmt.Errorf("send media to %s: %w", recipient, err)
	}
	d.observeMessage("media", StatusSent)
	return d.record(ctx, key, recipient, "media", res), nil
}

// record persists a per-recipient outcome, best effort.
func (d *Dispatcher) record(ctx context.Context, key, recipient, kind string, res Result) Result {
	if d.store == nil {
		return res
	}
	err := d.store.RecordSend(ctx, history.SendRecord{
		AccountKey: key,
		Recipient:  recipient,
		Kind:       kind,
		Status:     res.Status,
		Detail:     res.Detail,
	})
	if err != nil {
		log.Printf("dispatch: record send history for %s: %v", key, err)
	}
	return res
}

func (d *Dispatcher) observeMessage(kind, status string) {
	if d.metrics != nil {
		d.metrics.MessagesSent.WithLabelValues(kind, status).Inc()
	}
}

func (d *Dispatcher) observeRejection(scope ratelimit.Scope) {
	if d.metrics != nil {
		d.metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	}
}
