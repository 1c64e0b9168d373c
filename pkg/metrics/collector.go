package metrics

import (
	"time"

	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
)

// Collector periodically samples orchestrator state from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectHostMetrics()
	c.collectPlanMetrics()
	c.collectRunMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectHostMetrics() {
	hosts, err := c.store.ListHosts()
	if err != nil {
		return
	}
	HostsTotal.Set(float64(len(hosts)))
}

func (c *Collector) collectPlanMetrics() {
	plans, err := c.store.ListPlans()
	if err != nil {
		return
	}
	PlansTotal.Set(float64(len(plans)))
}

func (c *Collector) collectRunMetrics() {
	runs, err := c.store.ListRuns()
	if err != nil {
		return
	}

	counts := make(map[types.RunState]int)
	for _, run := range runs {
		counts[run.State]++
	}

	// Zero every known state so scrapes see completed runs drain
	for _, state := range types.AllRunStates() {
		RunsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectQueueMetrics() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}

	now := time.Now()
	waiting, leased := 0, 0
	for _, job := range jobs {
		if job.Leased(now) {
			leased++
		} else {
			waiting++
		}
	}
	QueueDepth.Set(float64(waiting))
	JobsLeased.Set(float64(leased))
}
