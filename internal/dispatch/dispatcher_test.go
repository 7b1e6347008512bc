package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luisarev/mensajero/internal/history"
	"github.com/luisarev/mensajero/internal/media"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/waproto"
)

type stubConns struct {
	conn waproto.Connection
	err  error
}

func (s stubConns) Connected(string) (waproto.Connection, error) {
	return s.conn, s.err
}

func newTestDispatcher(t *testing.T, conn waproto.Connection) (*Dispatcher, *ratelimit.Limiter, *media.MockTranscoder) {
	t.Helper()
	limiter := ratelimit.New()
	limiter.SetClock(func() time.Time {
		return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	})
	tr := &media.MockTranscoder{}
	d := New(stubConns{conn: conn}, limiter, tr, history.NewInMemoryStore(), nil)
	d.SetDelayFunc(func() time.Duration { return 0 })
	return d, limiter, tr
}

func mockConn(t *testing.T) *waproto.MockConnection {
	t.Helper()
	p := waproto.NewMockProvider()
	conn, _, err := p.Open(context.Background(), "555", t.TempDir())
	if err != nil {
		t.Fatalf("open mock connection: %v", err)
	}
	mc := conn.(*waproto.MockConnection)
	mc.SetState(waproto.StateConnected)
	return mc
}

func TestSendTextSubstitutesTemplate(t *testing.T) {
	conn := mockConn(t)
	d, _, _ := newTestDispatcher(t, conn)

	results, err := d.SendText(context.Background(), "555", []Recipient{
		{Number: "111", Name: "Ana"},
		{Number: "222"},
	}, "Hola {nombre}!")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if len(results) != 2 || results[0].Status != StatusSent || results[1].Status != StatusSent {
		t.Fatalf("results = %+v, want both sent", results)
	}

	sent := conn.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].ChatID != "111@c.us" {
		t.Fatalf("chat id = %q, want 111@c.us", sent[0].ChatID)
	}
	if sent[0].Message.Text != "Hola Ana!" {
		t.Fatalf("message = %q, want substituted name", sent[0].Message.Text)
	}
	if sent[1].Message.Text != "Hola amigo!" {
		t.Fatalf("message = %q, want fallback name", sent[1].Message.Text)
	}
}

func TestSendTextAccountNotReady(t *testing.T) {
	limiter := ratelimit.New()
	d := New(stubConns{err: errors.New("account session not ready")}, limiter, &media.MockTranscoder{}, nil, nil)
	d.SetDelayFunc(func() time.Duration { return 0 })

	if _, err := d.SendText(context.Background(), "555", []Recipient{{Number: "111"}}, "hi"); err == nil {
		t.Fatalf("SendText() error = nil, want not-ready error")
	}
}

func TestSendTextDailyLimitStopsBatch(t *testing.T) {
	conn := mockConn(t)
	d, limiter, _ := newTestDispatcher(t, conn)

	// Leave exactly two daily slots, spread over earlier hours so the
	// hourly ceiling stays clear of the batch's own hour.
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	cur := day
	limiter.SetClock(func() time.Time { return cur })
	perHour := (ratelimit.DailyLimit - 2) / 9 // 222 per hour across hours 0-8
	for h := 0; h < 9; h++ {
		cur = day.Add(time.Duration(h) * time.Hour)
		for i := 0; i < perHour; i++ {
			limiter.Track("555")
		}
	}
	cur = day.Add(10 * time.Hour)

	results, err := d.SendText(context.Background(), "555", []Recipient{
		{Number: "111"}, {Number: "222"}, {Number: "333"}, {Number: "444"},
	}, "hola")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("results = %d entries, want 3 (batch stops at daily limit)", len(results))
	}
	if results[0].Status != StatusSent || results[1].Status != StatusSent {
		t.Fatalf("first two results = %+v, want sent", results[:2])
	}
	if results[2].Status != StatusError || results[2].Number != "333" {
		t.Fatalf("third result = %+v, want daily-limit error", results[2])
	}
	if got := len(conn.Sent()); got != 2 {
		t.Fatalf("sent %d messages, want 2", got)
	}
}

func TestSendTextHourlyLimitContinuesBatch(t *testing.T) {
	conn := mockConn(t)
	d, limiter, _ := newTestDispatcher(t, conn)

	// Two hourly slots remain; the batch crosses the ceiling mid-run.
	for i := 0; i < ratelimit.HourlyLimit-2; i++ {
		limiter.Track("555")
	}

	results, err := d.SendText(context.Background(), "555", []Recipient{
		{Number: "111"}, {Number: "222"}, {Number: "333"}, {Number: "444"},
	}, "hola")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("results = %d entries, want 4 (hourly rejection skips, not stops)", len(results))
	}
	wantStatuses := []string{StatusSent, StatusSent, StatusError, StatusError}
	for i, want := range wantStatuses {
		if results[i].Status != want {
			t.Fatalf("result %d = %+v, want status %q", i, results[i], want)
		}
	}
	if got := len(conn.Sent()); got != 2 {
		t.Fatalf("sent %d messages, want 2", got)
	}
}

func TestSendTextPreGateRejectsExhaustedAccount(t *testing.T) {
	conn := mockConn(t)
	d, limiter, _ := newTestDispatcher(t, conn)

	for i := 0; i < ratelimit.HourlyLimit; i++ {
		limiter.Track("555")
	}

	_, err := d.SendText(context.Background(), "555", []Recipient{{Number: "111"}}, "hola")
	var rlErr *ratelimit.RateLimitError
	if !errors.As(err, &rlErr) || rlErr.Scope != ratelimit.ScopeHourly {
		t.Fatalf("SendText() error = %v, want hourly RateLimitError", err)
	}
	if got := len(conn.Sent()); got != 0 {
		t.Fatalf("sent %d messages from a pre-gated batch, want 0", got)
	}
}

func TestSendTextTransportErrorContinues(t *testing.T) {
	conn := mockConn(t)
	d, _, _ := newTestDispatcher(t, conn)

	conn.SetSendErr(errors.New("socket closed"))
	results, err := d.SendText(context.Background(), "555", []Recipient{
		{Number: "111"}, {Number: "222"},
	}, "hola")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(results))
	}
	for i, r := range results {
		if r.Status != StatusError || r.Detail == "" {
			t.Fatalf("result %d = %+v, want transport error recorded", i, r)
		}
	}
}

func TestSendTextContextCancelledDuringPacing(t *testing.T) {
	conn := mockConn(t)
	d, _, _ := newTestDispatcher(t, conn)
	d.SetDelayFunc(func() time.Duration { return 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.SendText(ctx, "555", []Recipient{{Number: "111"}}, "hola")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendText() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("pacing wait did not react to cancellation")
	}
}

func TestSendMediaSuccess(t *testing.T) {
	conn := mockConn(t)
	d, _, tr := newTestDispatcher(t, conn)
	tr.Output = []byte("jpeg-bytes")

	res, err := d.SendMedia(context.Background(), "555", []byte("png-bytes"), "111", "mira esto")
	if err != nil {
		t.Fatalf("SendMedia() error = %v", err)
	}
	if res.Status != StatusSent {
		t.Fatalf("result = %+v, want sent", res)
	}

	sent := conn.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	m := sent[0].Message.Media
	if m == nil || string(m.Data) != "jpeg-bytes" || m.Caption != "mira esto" || m.MimeType != "image/jpeg" {
		t.Fatalf("media attachment = %+v, want transcoded jpeg with caption", m)
	}
}

func TestSendMediaRejectedBeforeTranscode(t *testing.T) {
	conn := mockConn(t)
	d, limiter, tr := newTestDispatcher(t, conn)

	for i := 0; i < ratelimit.HourlyLimit; i++ {
		limiter.Track("555")
	}

	_, err := d.SendMedia(context.Background(), "555", []byte("png"), "111", "")
	var rlErr *ratelimit.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("SendMedia() error = %v, want RateLimitError", err)
	}
	if tr.Calls != 0 {
		t.Fatalf("transcoder ran %d times for a rejected send, want 0", tr.Calls)
	}
}

func TestSendMediaTranscodeFailure(t *testing.T) {
	conn := mockConn(t)
	d, _, tr := newTestDispatcher(t, conn)
	tr.Err = errors.New("corrupt input")

	_, err := d.SendMedia(context.Background(), "555", []byte("garbage"), "111", "")
	if !errors.Is(err, media.ErrTranscodeFailed) {
		t.Fatalf("SendMedia() error = %v, want ErrTranscodeFailed", err)
	}
	if got := len(conn.Sent()); got != 0 {
		t.Fatalf("sent %d messages after transcode failure, want 0", got)
	}
}

func TestSendTextRecordsHistory(t *testing.T) {
	conn := mockConn(t)
	limiter := ratelimit.New()
	store := history.NewInMemoryStore()
	d := New(stubConns{conn: conn}, limiter, &media.MockTranscoder{}, store, nil)
	d.SetDelayFunc(func() time.Duration { return 0 })

	if _, err := d.SendText(context.Background(), "555", []Recipient{{Number: "111", Name: "Ana"}}, "hola {nombre}"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	records, err := store.RecentSends(context.Background(), "555", 10)
	if err != nil {
		t.Fatalf("RecentSends() error = %v", err)
	}
	if len(records) != 1 || records[0].Status != StatusSent || records[0].Kind != "text" {
		t.Fatalf("history = %+v, want one sent text record", records)
	}
}
