package fetch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/forgenet/forge/src/gossip"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCancelled is the completion error of a cancelled job.
	ErrCancelled = errors.New("fetch cancelled")
	// ErrExhausted is the completion error when every source failed.
	ErrExhausted = errors.New("all fetch sources exhausted")
	// ErrAlreadyFetching is returned when a repository already has a live
	// job.
	ErrAlreadyFetching = errors.New("fetch already in progress")
	// ErrSchedulerShutdown ...
	ErrSchedulerShutdown = errors.New("scheduler shutdown")
)

// Requester performs the FetchRequest/FetchResponse negotiation with a
// remote node. The orchestrator implements it over its sessions.
type Requester interface {
	RequestFetch(ctx context.Context, repo string, nodeHex string, known gossip.RefState) (*gossip.FetchResponse, error)
}

// Source is a candidate seeder for a job.
type Source struct {
	NodeHex    string
	Reputation int
	LastSeen   int64
}

// Completion reports a finished job back to the orchestrator. State is only
// meaningful when Err is nil.
type Completion struct {
	Repo     string
	Source   string
	State    gossip.RefState
	Attempts int
	Err      error
}

// job is one in-flight replication attempt chain.
type job struct {
	repo    string
	sources []Source
	cancel  context.CancelFunc
}

/*
Scheduler runs replication jobs. At most one job per repository is live at a
time and the total number of concurrent transfers is capped. Negotiation goes
through the Requester; data transfer and verification go through the Backend.
A failed source does not fail the job: the scheduler moves on to the next
candidate until it runs out of sources or attempts.
*/
type Scheduler struct {
	backend   Backend
	requester Requester

	maxAttempts int
	negTimeout  time.Duration

	jobs     map[string]*job
	jobsLock sync.Mutex

	completionCh chan Completion

	slots chan struct{}
	wg    sync.WaitGroup

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	logger *logrus.Entry
}

// NewScheduler creates a Scheduler with a global concurrency cap and a
// per-source negotiation timeout.
func NewScheduler(
	backend Backend,
	requester Requester,
	maxConcurrent int,
	maxAttempts int,
	negTimeout time.Duration,
	logger *logrus.Entry,
) *Scheduler {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Scheduler{
		backend:      backend,
		requester:    requester,
		maxAttempts:  maxAttempts,
		negTimeout:   negTimeout,
		jobs:         make(map[string]*job),
		completionCh: make(chan Completion),
		slots:        make(chan struct{}, maxConcurrent),
		shutdownCh:   make(chan struct{}),
		logger:       logger.WithField("component", "fetch"),
	}
}

// Completions returns the channel finished jobs are reported on.
func (s *Scheduler) Completions() <-chan Completion {
	return s.completionCh
}

// Submit queues a replication job for repo against the given sources. The
// scheduler orders sources by reputation, then recency. A repository with a
// live job rejects the submission.
func (s *Scheduler) Submit(repo string, sources []Source) error {
	select {
	case <-s.shutdownCh:
		return ErrSchedulerShutdown
	default:
	}

	if len(sources) == 0 {
		return ErrExhausted
	}

	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Reputation != ordered[j].Reputation {
			return ordered[i].Reputation > ordered[j].Reputation
		}
		return ordered[i].LastSeen > ordered[j].LastSeen
	})

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{repo: repo, sources: ordered, cancel: cancel}

	s.jobsLock.Lock()
	if _, live := s.jobs[repo]; live {
		s.jobsLock.Unlock()
		cancel()
		return ErrAlreadyFetching
	}
	s.jobs[repo] = j
	s.jobsLock.Unlock()

	s.wg.Add(1)
	go s.run(ctx, j)

	return nil
}

// Cancel aborts the live job for repo, if any. The job completes with
// ErrCancelled.
func (s *Scheduler) Cancel(repo string) {
	s.jobsLock.Lock()
	j, ok := s.jobs[repo]
	s.jobsLock.Unlock()
	if ok {
		j.cancel()
	}
}

// CancelNode aborts live jobs whose remaining sources are all the given
// node, used when a session drops.
func (s *Scheduler) CancelNode(nodeHex string) {
	s.jobsLock.Lock()
	var victims []*job
	for _, j := range s.jobs {
		only := true
		for _, src := range j.sources {
			if src.NodeHex != nodeHex {
				only = false
				break
			}
		}
		if only {
			victims = append(victims, j)
		}
	}
	s.jobsLock.Unlock()

	for _, j := range victims {
		j.cancel()
	}
}

// Shutdown cancels every job and waits for the workers to drain.
func (s *Scheduler) Shutdown() {
	s.shutdownLock.Lock()
	if !s.shutdown {
		close(s.shutdownCh)
		s.shutdown = true
	}
	s.shutdownLock.Unlock()

	s.jobsLock.Lock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.jobsLock.Unlock()

	s.wg.Wait()
}

// run works a job through its sources until one succeeds or the job dies.
func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	defer func() {
		s.jobsLock.Lock()
		delete(s.jobs, j.repo)
		s.jobsLock.Unlock()
	}()

	// take a concurrency slot
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.complete(Completion{Repo: j.repo, Err: ErrCancelled})
		return
	case <-s.shutdownCh:
		return
	}

	known, err := s.backend.CurrentState(j.repo)
	if err != nil {
		s.complete(Completion{Repo: j.repo, Err: err})
		return
	}

	attempts := 0
	var lastErr error

	for _, source := range j.sources {
		if attempts >= s.maxAttempts {
			break
		}
		if ctx.Err() != nil {
			s.complete(Completion{Repo: j.repo, Attempts: attempts, Err: ErrCancelled})
			return
		}
		attempts++

		state, err := s.attempt(ctx, j.repo, source, known)
		if err != nil {
			if ctx.Err() != nil {
				s.complete(Completion{Repo: j.repo, Attempts: attempts, Err: ErrCancelled})
				return
			}
			s.logger.WithFields(logrus.Fields{
				"repo":   j.repo,
				"source": source.NodeHex,
			}).WithError(err).Debug("Fetch attempt failed")
			lastErr = err
			continue
		}

		s.complete(Completion{
			Repo:     j.repo,
			Source:   source.NodeHex,
			State:    state,
			Attempts: attempts,
		})
		return
	}

	if lastErr == nil {
		lastErr = ErrExhausted
	}
	s.complete(Completion{Repo: j.repo, Attempts: attempts, Err: lastErr})
}

// attempt negotiates with one source and runs the transfer through the
// backend.
func (s *Scheduler) attempt(ctx context.Context, repo string, source Source, known gossip.RefState) (gossip.RefState, error) {
	negCtx := ctx
	if s.negTimeout > 0 {
		var cancel context.CancelFunc
		negCtx, cancel = context.WithTimeout(ctx, s.negTimeout)
		defer cancel()
	}

	resp, err := s.requester.RequestFetch(negCtx, repo, source.NodeHex, known)
	if err != nil {
		return gossip.RefState{}, err
	}
	if !resp.Accepted {
		return gossip.RefState{}, errors.New("fetch refused: " + resp.Reason)
	}

	state, err := s.backend.Fetch(ctx, repo, resp.Descriptor, known)
	if err != nil {
		return gossip.RefState{}, err
	}

	// verify against the state promised in the source-signed response, not
	// against whatever the transfer delivered: the negotiation rides the
	// authenticated session, the transfer does not
	if err := s.backend.Verify(repo, resp.State); err != nil {
		return gossip.RefState{}, err
	}
	return state, nil
}

// complete hands a result to the orchestrator, dropping it on shutdown.
func (s *Scheduler) complete(c Completion) {
	select {
	case s.completionCh <- c:
	case <-s.shutdownCh:
	}
}
