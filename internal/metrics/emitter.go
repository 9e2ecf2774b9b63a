package metrics

import "github.com/loomworks/loom/graph/emit"

// Emitter bridges graph execution events onto the Prometheus instruments.
// Stateless; one shared instance serves every worker.
type Emitter struct{}

// NewEmitter creates the metrics bridge.
func NewEmitter() *Emitter { return &Emitter{} }

// Emit implements emit.Emitter.
func (*Emitter) Emit(event emit.Event) {
	switch event.Msg {
	case emit.MsgNodeEnd:
		if ms, ok := event.Meta["duration_ms"].(int64); ok {
			NodeDuration.WithLabelValues(event.Node).Observe(float64(ms) / 1000)
		}
	case emit.MsgNodeRetry:
		NodeRetries.WithLabelValues(event.Node).Inc()
	}
}
