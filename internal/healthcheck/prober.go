package healthcheck

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("healthcheck")

// Prober runs one target's periodic probe loop per spec §4.F/§4.G and
// feeds outcomes into a shared Tracker.
type Prober struct {
	id       string
	spec     config.ProbeSpec
	addr     string // host:port for ProbeHTTP/ProbeTCP
	client   *http.Client
	tracker  *Tracker
	onChange TransitionFunc
	onProbe  func(ok bool)
}

// NewProber constructs a prober for one target. addr is the dial/request
// target; for ProbeHTTP, spec.Path is joined against addr as the request
// path.
func NewProber(id string, spec config.ProbeSpec, addr string, tracker *Tracker, onChange TransitionFunc) *Prober {
	tracker.Register(id, spec.HealthyAfter, spec.UnhealthyAfter)
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		id:       id,
		spec:     spec,
		addr:     addr,
		client:   &http.Client{Timeout: timeout},
		tracker:  tracker,
		onChange: onChange,
	}
}

// OnProbe registers a callback fired after every single probe attempt with
// its raw outcome, independent of the tracker's hysteresis-smoothed
// published status. The supervisor (G) uses this to learn about the very
// first successful probe immediately, rather than waiting for the
// tracker's healthy_after consecutive-success threshold to publish a
// transition (the tracker's own Register seeds targets as already
// Healthy, so a fresh target's first successes never produce a
// transition at all).
func (p *Prober) OnProbe(fn func(ok bool)) {
	p.onProbe = fn
}

// Run drives the probe loop until ctx is canceled, honoring StartupGrace
// before the first probe (spec §4.G: a freshly started process gets a
// grace window before probes can mark it unhealthy).
func (p *Prober) Run(ctx context.Context) {
	if p.spec.StartupGrace > 0 {
		select {
		case <-time.After(p.spec.StartupGrace):
		case <-ctx.Done():
			return
		}
	}
	period := p.spec.Period
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		p.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	ok := p.doProbe(ctx)
	if p.onProbe != nil {
		p.onProbe(ok)
	}
	status := p.tracker.RecordProbe(p.id, ok, p.onChange)
	if !ok {
		log.Printf("DEBUG: probe failed for %s (status now %s)", p.id, status)
	}
}

func (p *Prober) doProbe(ctx context.Context) bool {
	switch p.spec.Kind {
	case config.ProbeHTTP:
		return p.probeHTTP(ctx)
	case config.ProbeTCP:
		return p.probeTCP(ctx)
	case config.ProbeScript:
		return p.probeScript(ctx)
	default:
		return true
	}
}

func (p *Prober) probeHTTP(ctx context.Context) bool {
	path := p.spec.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+p.addr+path, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if len(p.spec.ExpectStatuses) == 0 {
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	for _, want := range p.spec.ExpectStatuses {
		if resp.StatusCode == want {
			return true
		}
	}
	return false
}

func (p *Prober) probeTCP(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.client.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// probeScript runs the configured health-check command directly, argv-split
// via shellquote rather than handed to /bin/sh -c, so an operator's quoted
// arguments are honored without also granting the probe a shell (pipes,
// redirection, substitution) it has no business needing.
func (p *Prober) probeScript(ctx context.Context) bool {
	if p.spec.Command == "" {
		return true
	}
	argv, err := shellquote.Split(p.spec.Command)
	if err != nil || len(argv) == 0 {
		log.Printf("WARN: could not parse script probe command %q: %v", p.spec.Command, err)
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	return cmd.Run() == nil
}
