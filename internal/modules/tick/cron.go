package tick

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

// BusinessLister supplies the businesses the cron fans out over. Implemented
// by the business repository.
type BusinessLister interface {
	List() ([]domain.Business, error)
}

// CronRunner fires RunTick for every business on a schedule. Buckets are UTC
// days by default, UTC hours when hourly is set.
type CronRunner struct {
	scheduler  *Scheduler
	businesses BusinessLister
	cron       *cron.Cron
	spec       string
	hourly     bool
	log        zerolog.Logger
}

// NewCronRunner creates a cron runner. spec is a standard 5-field cron
// expression evaluated in UTC.
func NewCronRunner(scheduler *Scheduler, businesses BusinessLister, spec string, hourly bool, log zerolog.Logger) *CronRunner {
	if hourly {
		spec = "5 * * * *"
	}
	return &CronRunner{
		scheduler:  scheduler,
		businesses: businesses,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		spec:       spec,
		hourly:     hourly,
		log:        log.With().Str("component", "tick_cron").Logger(),
	}
}

// Start registers the schedule and starts the cron loop.
func (c *CronRunner) Start() error {
	_, err := c.cron.AddFunc(c.spec, c.runAll)
	if err != nil {
		return err
	}
	c.cron.Start()
	c.log.Info().Str("spec", c.spec).Bool("hourly", c.hourly).Msg("Tick cron started")
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (c *CronRunner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.log.Info().Msg("Tick cron stopped")
}

func (c *CronRunner) runAll() {
	now := time.Now().UTC()
	bucket := utils.DayBucket(now)
	if c.hourly {
		bucket = utils.HourBucket(now)
	}

	businesses, err := c.businesses.List()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to list businesses for tick")
		return
	}

	for _, b := range businesses {
		_, err := c.scheduler.RunTick(b.ID, bucket, Options{
			ApplyRecompute:  true,
			MaterializeWork: true,
		}, now)
		if err != nil {
			c.log.Error().Err(err).Str("business_id", b.ID).Str("bucket", bucket).Msg("Tick failed")
		}
	}
}
