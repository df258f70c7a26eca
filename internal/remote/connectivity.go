package remote

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Probe is a polling Connectivity implementation: it requests the remote
// health endpoint on an interval and reports transitions to subscribers.
type Probe struct {
	url      string
	interval time.Duration
	http     *http.Client
	logger   *log.Logger

	mu       sync.Mutex
	online   bool
	handlers map[int]func(bool)
	nextID   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbe creates a connectivity probe against baseURL's health endpoint.
// The probe starts offline until the first successful check; call Start to
// begin polling.
func NewProbe(baseURL string, interval time.Duration, logger *log.Logger) *Probe {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Probe{
		url:      baseURL + "/health",
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		handlers: make(map[int]func(bool)),
	}
}

// Start begins polling. It performs one immediate check so callers get an
// accurate Online() right away, then polls until Stop or ctx cancellation.
func (p *Probe) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.check(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.check(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the poll goroutine to exit.
func (p *Probe) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return
	}

	resp, err := p.http.Do(req)
	online := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}
	p.setOnline(online)
}

func (p *Probe) setOnline(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	var handlers []func(bool)
	if changed {
		for _, h := range p.handlers {
			handlers = append(handlers, h)
		}
	}
	p.mu.Unlock()

	if changed {
		p.logger.Printf("Connectivity changed: online=%v", online)
		for _, h := range handlers {
			h(online)
		}
	}
}

// Online implements Connectivity.Online.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe implements Connectivity.Subscribe.
func (p *Probe) Subscribe(handler func(online bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.handlers[id] = handler

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}

// Static is a fixed Connectivity state, used by one-shot CLI commands that
// simply attempt the call and let the error taxonomy sort it out.
type Static bool

// Online implements Connectivity.Online.
func (s Static) Online() bool { return bool(s) }

// Subscribe implements Connectivity.Subscribe. The state never changes, so
// the handler is never called.
func (s Static) Subscribe(func(online bool)) func() { return func() {} }
