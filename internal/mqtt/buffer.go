package mqtt

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// pendingMsg is a serialized message held back while the broker is unreachable
type pendingMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool

	// latestOnly messages describe current bridge status; a newer one replaces an older one
	latestOnly bool
	seq        uint64
}

type statusKey struct {
	topic    string
	retained bool
}

// offlineQueue holds glucose readings and bridge status while disconnected.
// Readings are replayed in order and the oldest are dropped once capacity is reached.
// Status keeps only the newest message per topic and retain flag, and never evicts readings.
// Not safe for concurrent use; the caller must synchronize.
type offlineQueue struct {
	readings []pendingMsg
	capacity int
	status   map[statusKey]pendingMsg
	seq      uint64
	dropped  int // readings dropped since the last drain
}

func newOfflineQueue(capacity int) *offlineQueue {
	return &offlineQueue{
		readings: make([]pendingMsg, 0, capacity),
		capacity: capacity,
		status:   make(map[statusKey]pendingMsg),
	}
}

func (q *offlineQueue) push(msg pendingMsg) {
	q.seq++
	msg.seq = q.seq

	if msg.latestOnly {
		q.status[statusKey{topic: msg.topic, retained: msg.retained}] = msg
		return
	}

	if len(q.readings) == q.capacity {
		if q.dropped == 0 {
			log.WithField("capacity", q.capacity).Warn("MQTT offline queue full, dropping oldest readings")
		}
		q.dropped++
		copy(q.readings, q.readings[1:])
		q.readings = q.readings[:len(q.readings)-1]
	}
	q.readings = append(q.readings, msg)
}

// drainAll empties the queue: readings oldest first, then status in publish order,
// so the broker ends up holding the newest status.
func (q *offlineQueue) drainAll() []pendingMsg {
	if q.len() == 0 {
		return nil
	}

	result := make([]pendingMsg, 0, q.len())
	result = append(result, q.readings...)

	status := make([]pendingMsg, 0, len(q.status))
	for _, msg := range q.status {
		status = append(status, msg)
	}
	sort.Slice(status, func(i, j int) bool { return status[i].seq < status[j].seq })
	result = append(result, status...)

	if q.dropped > 0 {
		log.WithField("dropped", q.dropped).Warn("Readings were lost while the MQTT broker was unreachable")
	}
	q.readings = q.readings[:0]
	q.status = make(map[statusKey]pendingMsg)
	q.dropped = 0
	return result
}

func (q *offlineQueue) len() int {
	return len(q.readings) + len(q.status)
}
