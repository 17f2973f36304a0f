package metrics

func (m *PrometheusManager) BreakerOpened(breaker string) {
	if m == nil {
		return
	}
	m.BreakerOpenCounterVec.WithLabelValues(m.nodeId, breaker).Inc()
}

func (m *PrometheusManager) TaskCreated(taskType string) {
	if m == nil {
		return
	}
	m.TasksCreatedCounterVec.WithLabelValues(m.nodeId, taskType).Inc()
}

func (m *PrometheusManager) TaskFinished(taskType string, state string) {
	if m == nil {
		return
	}
	m.TasksFinishedCounterVec.WithLabelValues(m.nodeId, taskType, state).Inc()
}

func (m *PrometheusManager) TasksTimedOut(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksTimedOutCounter.Add(float64(n))
}

func (m *PrometheusManager) SetRunningTasks(taskType string, n int) {
	if m == nil {
		return
	}
	m.RunningTasksGaugeVec.WithLabelValues(m.nodeId, taskType).Set(float64(n))
}

func (m *PrometheusManager) DispatchFailed() {
	if m == nil {
		return
	}
	m.DispatchFailuresCounter.Inc()
}

func (m *PrometheusManager) ForwardSent(requestType string) {
	if m == nil {
		return
	}
	m.ForwardRequestsCounterVec.WithLabelValues(m.nodeId, requestType).Inc()
}

func (m *PrometheusManager) ForwardFailed(requestType string) {
	if m == nil {
		return
	}
	m.ForwardFailuresCounterVec.WithLabelValues(m.nodeId, requestType).Inc()
}

func (m *PrometheusManager) SyncUpRound() {
	if m == nil {
		return
	}
	m.SyncUpRoundsCounter.Inc()
}

func (m *PrometheusManager) SyncUpNodeFailed(targetNodeId string) {
	if m == nil {
		return
	}
	m.SyncUpNodeFailuresCounterVec.WithLabelValues(m.nodeId, targetNodeId).Inc()
}

func (m *PrometheusManager) OrphanedCacheDirsRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphanedCacheDirsRemovedCounter.Add(float64(n))
}
