package arb

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// job is one unit of partitioned work.
type job struct {
	key  string // partition, the remote host for fetches
	name string
	run  func() error
}

type jobResult struct {
	key  string
	name string
	err  error
}

// safeRun turns a panic inside fn into an error.
func safeRun(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: worker panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	return fn()
}

// runPartitioned runs every job, keeping at most limit jobs of one partition
// in flight. All dispatched jobs are waited for; a failure never stops the
// others. The result is the joined error of every failed job.
func runPartitioned(jobs []job, limit int, what string) error {
	if limit < 1 {
		limit = 1
	}
	queues := make(map[string][]job)
	var keys []string
	for _, j := range jobs {
		if _, ok := queues[j.key]; !ok {
			keys = append(keys, j.key)
		}
		queues[j.key] = append(queues[j.key], j)
	}
	sort.Strings(keys)

	inFlight := make(map[string]int, len(keys))
	results := make(chan jobResult, len(jobs))
	status := newStatusLine(what)
	defer status.stop()

	// dispatch fills every partition up to its limit
	dispatch := func() {
		for _, key := range keys {
			for inFlight[key] < limit && len(queues[key]) > 0 {
				j := queues[key][0]
				queues[key] = queues[key][1:]
				inFlight[key]++
				status.add(j.name)
				go func() {
					results <- jobResult{key: j.key, name: j.name, err: safeRun(j.name, j.run)}
				}()
			}
		}
	}

	var errs []error
	dispatch()
	for pending := len(jobs); pending > 0; pending-- {
		res := <-results
		inFlight[res.key]--
		status.remove(res.name)
		if res.err != nil {
			cPrintf(colError, "Failed %s %s: %v\n", what, res.name, res.err)
			errs = append(errs, fmt.Errorf("%s %s: %w", what, res.name, res.err))
		}
		dispatch()
	}
	return errors.Join(errs...)
}

// Pool runs tasks with a flat concurrency limit.
type Pool struct {
	what  string
	group errgroup.Group

	mu     sync.Mutex
	errs   []error
	status *statusLine
}

func NewPool(limit int, what string) *Pool {
	p := &Pool{what: what, status: newStatusLine(what)}
	p.group.SetLimit(limit)
	return p
}

// Go starts fn, blocking while the pool is full.
func (p *Pool) Go(name string, fn func() error) {
	task := func() error {
		p.status.add(name)
		defer p.status.remove(name)
		if err := safeRun(name, fn); err != nil {
			p.mu.Lock()
			p.errs = append(p.errs, fmt.Errorf("%s %s: %w", p.what, name, err))
			p.mu.Unlock()
		}
		// always nil: one failure must not look like a group error
		return nil
	}
	if p.group.TryGo(task) {
		return
	}
	debugf("Pool %s busy, %s waiting for a slot\n", p.what, name)
	p.group.Go(task)
}

// Wait blocks until every started task finished and joins their errors.
func (p *Pool) Wait() error {
	p.group.Wait()
	p.status.stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// statusLine keeps a terminal line listing the running tasks up to date.
type statusLine struct {
	what string

	mu      sync.Mutex
	running map[string]int
	done    chan struct{}
	once    sync.Once
}

func newStatusLine(what string) *statusLine {
	s := &statusLine{what: what, running: make(map[string]int), done: make(chan struct{})}
	if term.IsTerminal(int(os.Stdout.Fd())) && !Debug {
		go s.loop()
	}
	return s
}

func (s *statusLine) add(name string) {
	s.mu.Lock()
	s.running[name]++
	s.mu.Unlock()
}

func (s *statusLine) remove(name string) {
	s.mu.Lock()
	if s.running[name]--; s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
}

func (s *statusLine) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *statusLine) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 4 {
		names = append(names[:4], fmt.Sprintf("+%d", len(names)-4))
	}
	return fmt.Sprintf("%s: %s", s.what, strings.Join(names, ", "))
}

func (s *statusLine) loop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case <-s.done:
			if last != "" {
				fmt.Print("\r\033[K")
			}
			return
		case <-ticker.C:
			line := s.String()
			if line != last {
				fmt.Print("\r\033[K" + colNote.Sprint(line))
				last = line
			}
		}
	}
}
