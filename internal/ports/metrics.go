package ports

// Metrics records operational counters and gauges.
type Metrics interface {
	ObserveRequest(group, outcome string)
	Observe429(group string)
	ObserveOrder(side, outcome string)
	ObserveExit(reason string, profit float64)
	ObserveReconcile(outcome string)
	ObserveEmergency(reason string)
	SetPositionOpen(open bool)
	SetUnrealizedProfit(rate float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveRequest(string, string) {}
func (NopMetrics) Observe429(string)             {}
func (NopMetrics) ObserveOrder(string, string)   {}
func (NopMetrics) ObserveExit(string, float64)   {}
func (NopMetrics) ObserveReconcile(string)       {}
func (NopMetrics) ObserveEmergency(string)       {}
func (NopMetrics) SetPositionOpen(bool)          {}
func (NopMetrics) SetUnrealizedProfit(float64)   {}

// Notifier pushes human-readable events to an operator channel.
type Notifier interface {
	Notify(event, message string)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}
