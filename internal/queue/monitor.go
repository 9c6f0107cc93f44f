package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
)

// nsqdStats is the part of nsqd's /stats?format=json we read. Older nsqd versions wrap the
// payload in a "data" envelope.
type nsqdStats struct {
	Topics []topicStats `json:"topics"`
	Data   *struct {
		Topics []topicStats `json:"topics"`
	} `json:"data"`
}

type topicStats struct {
	TopicName string `json:"topic_name"`
	Depth     int64  `json:"depth"`
	Channels  []struct {
		ChannelName   string `json:"channel_name"`
		Depth         int64  `json:"depth"`
		InFlightCount int64  `json:"in_flight_count"`
	} `json:"channels"`
}

// Monitor polls nsqd statistics and exports queue depth gauges.
type Monitor struct {
	statsURL   string
	topo       Topology
	interval   time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

// NewMonitor watches the nsqd HTTP endpoint at nsqdHTTPAddr (host:port or URL).
func NewMonitor(nsqdHTTPAddr string, topo Topology, interval time.Duration) *Monitor {
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Monitor{
		statsURL:   strings.TrimRight(base, "/") + "/stats?format=json",
		topo:       topo,
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logging.New("edp-nsq-monitor"),
	}
}

// Run polls until ctx is done. A non-positive interval disables polling.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Error("Failed to update NSQ metrics")
			}
		}
	}
}

// Poll fetches stats once and updates the depth, in-flight and backlog gauges.
// Backlog is the dispatcher channel depth summed over the primary and retry topics.
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get NSQ stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	topics := stats.Topics
	if len(topics) == 0 && stats.Data != nil {
		topics = stats.Data.Topics
	}

	watched := map[string]bool{m.topo.Primary: true, m.topo.Retry: true, m.topo.DLQ: true}
	var backlog int64
	for _, topic := range topics {
		if !watched[topic.TopicName] {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
			metrics.UpdateNSQChannelInflight(topic.TopicName, ch.ChannelName, float64(ch.InFlightCount))
			if ch.ChannelName == m.topo.Channel && topic.TopicName != m.topo.DLQ {
				backlog += ch.Depth
			}
		}
	}
	metrics.UpdateWorkerBacklog(float64(backlog))
	return nil
}
