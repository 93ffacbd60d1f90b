package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autoanalysis/internal/config"
	"autoanalysis/internal/heartbeat"
	"autoanalysis/internal/notify"
	"autoanalysis/internal/report"

	"github.com/rs/zerolog/log"
)

// Ticker runs one reconciliation pass.
type Ticker interface {
	Tick(ctx context.Context) (*report.Tick, error)
}

// Publisher receives every finished tick report.
type Publisher interface {
	Publish(rep *report.Tick)
}

type Options struct {
	Role       config.Role
	Ticker     Ticker
	Notifier   notify.Notifier
	AdminEmail string
	// Interval is the sleep between ticks. Zero runs a single tick.
	Interval  time.Duration
	Alive     *heartbeat.Window
	Publisher Publisher
}

// Daemon drives a Ticker until the context ends or a tick fails fatally.
type Daemon struct {
	role      config.Role
	ticker    Ticker
	notifier  notify.Notifier
	admin     string
	interval  time.Duration
	alive     *heartbeat.Window
	publisher Publisher

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(opts Options) *Daemon {
	alive := opts.Alive
	if alive == nil {
		alive = heartbeat.NewWindow(heartbeat.DefaultThreshold)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Daemon{
		role:      opts.Role,
		ticker:    opts.Ticker,
		notifier:  notifier,
		admin:     opts.AdminEmail,
		interval:  opts.Interval,
		alive:     alive,
		publisher: opts.Publisher,
		sleep:     sleep,
		now:       time.Now,
	}
}

// Run loops tick, notify, sleep. It returns nil on a clean shutdown and the
// fatal error otherwise, after a best-effort notice to the admin.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		log.Info().Msgf("########### %s ###########", d.now().Format("2006-01-02 15:04:05"))

		rep, err := d.ticker.Tick(ctx)
		if ctx.Err() != nil {
			log.Info().Msg("shutdown requested, stopping reconciliation")
			return nil
		}
		if err != nil {
			d.Fatal(err)
			return err
		}

		d.alive.AddProcessed(rep.Completed)
		if d.publisher != nil {
			d.publisher.Publish(rep)
		}
		log.Info().Str("tick", rep.ID).Dur("took", rep.Duration()).Int("completed", rep.Completed).
			Int("messages", len(rep.Messages)).Msg("Tick complete")
		d.notifyMessages(ctx, rep.Messages)

		if d.interval <= 0 {
			return nil
		}
		log.Info().Msgf("Sleeping %s...", d.interval)
		if err := d.sleep(ctx, d.interval); err != nil {
			log.Info().Msg("shutdown requested, stopping reconciliation")
			return nil
		}

		if notice, ok := d.alive.Advance(d.interval); ok {
			d.notifyAlive(ctx, notice)
		}
	}
}

// Fatal tells the admin the daemon is going offline. Delivery failures are only logged.
func (d *Daemon) Fatal(cause error) {
	log.Error().Err(cause).Msg("fatal error, daemon terminating")
	body := fmt.Sprintf("FATAL: %s terminated, daemon offline! Check the log.\n\n%v", d.role.Title(), cause)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.notifier.Notify(ctx, d.admin, d.role.Title()+" ERROR", body); err != nil {
		log.Error().Err(err).Msg("failed to send fatal notification")
	}
}

func (d *Daemon) notifyMessages(ctx context.Context, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	log.Info().Msgf("Emailing %d messages...", len(msgs))
	if err := d.notifier.Notify(ctx, d.admin, d.role.Title()+" ERROR", strings.Join(msgs, "\n")); err != nil {
		log.Error().Err(err).Msg("failed to send tick messages")
	}
}

func (d *Daemon) notifyAlive(ctx context.Context, notice heartbeat.Notice) {
	log.Info().Msg("Emailing admin that the daemon is running...")
	subject := fmt.Sprintf("%s is alive %s", d.role.Title(), d.now().Format("2006-01-02 15:04:05"))
	body := fmt.Sprintf("\n%d jobs processed in the last 24hrs\n", notice.Processed)
	if err := d.notifier.Notify(ctx, d.admin, subject, body); err != nil {
		log.Error().Err(err).Msg("failed to send alive notification")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
