package gateway

import (
	"time"
)

const defaultStatsWindow = 20

type topicStat struct {
	count  uint64
	last   time.Time
	window []time.Time
	next   int
}

// TopicStats tracks per topic arrival counts and a sliding window of recent
// arrival times for frequency estimates. Owned by the Loop.
type TopicStats struct {
	window int
	topics map[string]*topicStat
}

// NewTopicStats creates stats with a window of n arrivals.
func NewTopicStats(n int) *TopicStats {
	if n < 2 {
		n = defaultStatsWindow
	}
	return &TopicStats{window: n, topics: make(map[string]*topicStat)}
}

// Observe records an arrival and returns the topic's running count.
func (s *TopicStats) Observe(topic string, ts time.Time) uint64 {
	st, ok := s.topics[topic]
	if !ok {
		st = &topicStat{window: make([]time.Time, 0, s.window)}
		s.topics[topic] = st
	}
	st.count++
	st.last = ts
	if len(st.window) < s.window {
		st.window = append(st.window, ts)
	} else {
		st.window[st.next] = ts
		st.next = (st.next + 1) % s.window
	}
	return st.count
}

// Count returns the number of arrivals seen on topic.
func (s *TopicStats) Count(topic string) uint64 {
	if st, ok := s.topics[topic]; ok {
		return st.count
	}
	return 0
}

// LastMessage returns the time of the latest arrival on topic.
func (s *TopicStats) LastMessage(topic string) (time.Time, bool) {
	st, ok := s.topics[topic]
	if !ok {
		return time.Time{}, false
	}
	return st.last, true
}

// Frequency returns the arrival rate in Hz over the window. It reports
// false until two arrivals with distinct times have been seen.
func (s *TopicStats) Frequency(topic string) (float64, bool) {
	st, ok := s.topics[topic]
	if !ok || len(st.window) < 2 {
		return 0, false
	}
	oldest, newest := st.window[0], st.window[0]
	for _, t := range st.window[1:] {
		if t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0, false
	}
	return float64(len(st.window)-1) / span, true
}

// Frequencies returns the rate of every topic with a known frequency.
func (s *TopicStats) Frequencies() map[string]float64 {
	out := make(map[string]float64, len(s.topics))
	for topic := range s.topics {
		if f, ok := s.Frequency(topic); ok {
			out[topic] = f
		}
	}
	return out
}
