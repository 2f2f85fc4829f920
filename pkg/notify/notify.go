package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a consumer already has a generation in flight.
var ErrBusy = errors.New("notify: a generation is already in progress")

// Update is one published step of a job.
type Update struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	Generating bool      `json:"isGenerating"`
	At         time.Time `json:"at"`
}

// State is the single-slot view of a consumer.
type State struct {
	Generating bool   `json:"isGenerating"`
	JobID      string `json:"jobId,omitempty"`
	Message    string `json:"currentStageMessage"`
}

const (
	bufferSize  = 16
	maxFinished = 1024
)

type Subscription struct {
	C <-chan Update

	c     chan Update
	jobID string
	n     *Notifier
	once  sync.Once
}

// Close stops the subscription. C is closed afterwards.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.n.lock.Lock()
		defer s.n.lock.Unlock()
		delete(s.n.subs, s)
		close(s.c)
	})
}

// Notifier publishes job progress. Each consumer (usually a user) has one
// slot, so only one of its generations is visible at a time.
type Notifier struct {
	lock  sync.Mutex
	slots map[string]State
	// owners maps a job to the consumer whose slot it holds.
	owners map[string]string
	last   map[string]Update
	// finished holds terminal jobs oldest first, to bound last.
	finished []string
	subs     map[*Subscription]struct{}
}

func New() *Notifier {
	return &Notifier{
		slots:  map[string]State{},
		owners: map[string]string{},
		last:   map[string]Update{},
		subs:   map[*Subscription]struct{}{},
	}
}

// Begin claims the consumer's slot for a job.
func (n *Notifier) Begin(consumer, jobID string) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if st, ok := n.slots[consumer]; ok && st.Generating && st.JobID != jobID {
		return ErrBusy
	}
	n.slots[consumer] = State{Generating: true, JobID: jobID}
	n.owners[jobID] = consumer
	return nil
}

// Release frees the slot held by a job without publishing anything.
func (n *Notifier) Release(jobID string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.release(jobID)
}

func (n *Notifier) release(jobID string) {
	consumer, ok := n.owners[jobID]
	if !ok {
		return
	}
	delete(n.owners, jobID)
	if st := n.slots[consumer]; st.JobID == jobID {
		st.Generating = false
		n.slots[consumer] = st
	}
}

// Publish records an update and fans it out to subscribers. A job's slot
// is released when the update isn't generating anymore.
func (n *Notifier) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	n.lock.Lock()
	defer n.lock.Unlock()

	n.last[u.JobID] = u
	if consumer, ok := n.owners[u.JobID]; ok {
		if st := n.slots[consumer]; st.JobID == u.JobID {
			st.Message = u.Message
			n.slots[consumer] = st
		}
	}
	if !u.Generating {
		n.release(u.JobID)
		n.finished = append(n.finished, u.JobID)
		if len(n.finished) > maxFinished {
			old := n.finished[0]
			n.finished = n.finished[1:]
			if l, ok := n.last[old]; ok && !l.Generating {
				delete(n.last, old)
			}
		}
	}
	for s := range n.subs {
		if s.jobID != "" && s.jobID != u.JobID {
			continue
		}
		send(s.c, u)
	}
}

// send never blocks. When the buffer is full the oldest update is dropped,
// so the newest one, which may be terminal, always gets in.
func send(c chan Update, u Update) {
	for {
		select {
		case c <- u:
			return
		default:
		}
		select {
		case <-c:
		default:
		}
	}
}

// Current returns the slot state of a consumer.
func (n *Notifier) Current(consumer string) State {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.slots[consumer]
}

// Last returns the latest update of a job.
func (n *Notifier) Last(jobID string) (Update, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	u, ok := n.last[jobID]
	return u, ok
}

// Subscribe returns a subscription to a job's updates. The latest update,
// if any, is delivered first.
func (n *Notifier) Subscribe(jobID string) *Subscription {
	c := make(chan Update, bufferSize)
	s := &Subscription{C: c, c: c, jobID: jobID, n: n}
	n.lock.Lock()
	defer n.lock.Unlock()
	if u, ok := n.last[jobID]; ok {
		c <- u
	}
	n.subs[s] = struct{}{}
	return s
}

// SubscribeAll returns a subscription to every job's updates.
func (n *Notifier) SubscribeAll() *Subscription {
	c := make(chan Update, bufferSize)
	s := &Subscription{C: c, c: c, n: n}
	n.lock.Lock()
	defer n.lock.Unlock()
	n.subs[s] = struct{}{}
	return s
}
