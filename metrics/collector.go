package metrics

import "time"

// Collector wraps metrics and provides helper methods with a pre-filled
// name label. For scheduler metrics the name is the scheduler's, for
// replication metrics it is the index id.
type Collector struct {
	name string
}

// NewCollector creates a new Collector for the given name.
func NewCollector(name string) *Collector {
	return &Collector{name: name}
}

// Name returns the label value the collector reports under.
func (c *Collector) Name() string {
	return c.name
}

// BatchEnqueued records a batch accepted at the given priority.
func (c *Collector) BatchEnqueued(priority string, events int) {
	BatchesEnqueuedTotal.WithLabelValues(c.name, priority).Inc()
	QueuedBatches.WithLabelValues(c.name).Inc()
	QueuedEvents.WithLabelValues(c.name).Add(float64(events))
}

// BatchRemoved records a batch leaving the queue, by finalize or cancel.
func (c *Collector) BatchRemoved(events int) {
	QueuedBatches.WithLabelValues(c.name).Dec()
	QueuedEvents.WithLabelValues(c.name).Sub(float64(events))
}

// BatchCancelled records a queued batch dropped by a generation cancel.
func (c *Collector) BatchCancelled(events int) {
	BatchesCancelledTotal.WithLabelValues(c.name).Inc()
	c.BatchRemoved(events)
}

// BatchStarted records a batch starting after waiting for the given time.
func (c *Collector) BatchStarted(priority string, waited time.Duration) {
	InFlightBatches.WithLabelValues(c.name).Inc()
	SchedulingDelay.WithLabelValues(c.name, priority).Observe(waited.Seconds())
}

// BatchFinished records a batch finishing after running for the given time.
func (c *Collector) BatchFinished(took time.Duration, err error) {
	InFlightBatches.WithLabelValues(c.name).Dec()
	BatchDuration.WithLabelValues(c.name).Observe(took.Seconds())
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	BatchesCompletedTotal.WithLabelValues(c.name, outcome).Inc()
}

// IncSplitEvents increments the reassembled split events counter.
func (c *Collector) IncSplitEvents() {
	SplitEventsTotal.WithLabelValues(c.name).Inc()
}

// AddChangeStreamEvents adds to the change events counter for a phase.
func (c *Collector) AddChangeStreamEvents(phase string, n int) {
	ChangeStreamEventsTotal.WithLabelValues(c.name, phase).Add(float64(n))
}

// AddScannedDocuments adds to the collection scan counter for a scan order.
func (c *Collector) AddScannedDocuments(order string, n int) {
	ScannedDocumentsTotal.WithLabelValues(c.name, order).Add(float64(n))
}

// AddEmbeddedTexts adds to the embedded texts counter.
func (c *Collector) AddEmbeddedTexts(model, tier string, n int) {
	EmbeddedTextsTotal.WithLabelValues(model, tier).Add(float64(n))
}

// IncEmbeddingFailures increments the per-text embedding failure counter.
func (c *Collector) IncEmbeddingFailures(model string) {
	EmbeddingFailuresTotal.WithLabelValues(model).Inc()
}

// IncClassifiedErrors increments the classified errors counter.
func (c *Collector) IncClassifiedErrors(phase, kind string) {
	ClassifiedErrorsTotal.WithLabelValues(c.name, phase, kind).Inc()
}

// IncCheckpointsSaved increments the persisted checkpoints counter.
func (c *Collector) IncCheckpointsSaved(kind string) {
	CheckpointsSavedTotal.WithLabelValues(c.name, kind).Inc()
}
