package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote ICE candidates until the remote description is
// set. Candidates routinely arrive before the answer does.
type candidateQueue struct {
	mu      sync.Mutex
	ready   bool
	pending []webrtc.ICECandidateInit
}

// Add applies c now or keeps it for Ready.
func (q *candidateQueue) Add(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	q.mu.Lock()
	if !q.ready {
		q.pending = append(q.pending, c)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return apply(c)
}

// Ready flushes buffered candidates in arrival order. The first error stops
// the flush; the rest are discarded.
func (q *candidateQueue) Ready(apply func(webrtc.ICECandidateInit) error) error {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.ready = true
	q.mu.Unlock()
	for _, c := range pending {
		if err := apply(c); err != nil {
			return err
		}
	}
	return nil
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
