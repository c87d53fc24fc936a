package stagelinesdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stageline/internal/domain"
	"stageline/internal/engine/notify"
	"stageline/internal/logging"
)

// DefaultPollInterval is how often Run refetches notification state.
const DefaultPollInterval = 10 * time.Second

// ErrNothingSelected is returned by Read when no notification is on display.
var ErrNothingSelected = errors.New("no notification selected")

// Poller keeps the single notification a user should see. Every poll
// refetches the pending notifications with their projects and reselects;
// a response older than one already applied is dropped so a slow request
// can never roll the display back.
//
// Projects the user views or dismisses are suppressed for the lifetime of
// the Poller.
type Poller struct {
	Client   *Client
	Policy   notify.Policy
	Interval time.Duration
	// OnChange is called with the new selection, nil when nothing is left,
	// whenever the displayed notification changes.
	OnChange func(*domain.Notification)
	Log      logrus.FieldLogger

	mu         sync.Mutex
	issued     uint64
	applied    uint64
	pending    []domain.Notification
	projects   map[string]domain.Project
	suppressed notify.Suppression
	current    *domain.Notification
}

// NewPoller returns a poller using the default workflow policy. Use
// ConnectPoller when the server workflow may differ from the default.
func NewPoller(c *Client) *Poller {
	return &Poller{
		Client:     c,
		Policy:     notify.DefaultPolicy,
		Interval:   DefaultPollInterval,
		suppressed: notify.NewSuppression(),
	}
}

// NewWorkflowPoller returns a poller judging staleness by w and polling at
// its configured interval.
func NewWorkflowPoller(c *Client, w Workflow) *Poller {
	p := NewPoller(c)
	p.Policy = w.Policy()
	p.Interval = w.PollInterval()
	return p
}

// ConnectPoller fetches the server workflow and returns a poller for it.
func ConnectPoller(ctx context.Context, c *Client) (*Poller, error) {
	w, err := c.Workflow(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch workflow: %w", err)
	}
	return NewWorkflowPoller(c, *w), nil
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log().WithError(err).Warn("notification poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the current state once and reselects.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	p.issued++
	seq := p.issued
	p.mu.Unlock()

	list, err := p.Client.Notifications(ctx, NotificationOptions{})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if seq < p.applied {
		p.mu.Unlock()
		p.log().WithField("seq", seq).Debug("dropping superseded poll response")
		return nil
	}
	p.applied = seq
	p.pending = list.Items
	p.projects = list.DomainProjects()
	changed, sel := p.reselectLocked()
	p.mu.Unlock()

	p.notifyChange(changed, sel)
	return nil
}

// Current returns the notification on display, or nil.
func (p *Poller) Current() *domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	n := *p.current
	return &n
}

// View records that the user opened the project of the current
// notification and returns that project. Later notifications for it are
// suppressed.
func (p *Poller) View() (*domain.Project, bool) {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return nil, false
	}
	projectID := p.current.ProjectID
	proj, ok := p.projects[projectID]
	p.suppressed.Add(projectID)
	changed, sel := p.reselectLocked()
	p.mu.Unlock()

	p.notifyChange(changed, sel)
	if !ok {
		return nil, false
	}
	return &proj, true
}

// Dismiss hides the current notification and suppresses its project.
func (p *Poller) Dismiss() {
	p.mu.Lock()
	if p.current != nil {
		p.suppressed.Add(p.current.ProjectID)
	}
	changed, sel := p.reselectLocked()
	p.mu.Unlock()
	p.notifyChange(changed, sel)
}

// Read marks the current notification read on the server and moves on.
func (p *Poller) Read(ctx context.Context) error {
	cur := p.Current()
	if cur == nil {
		return ErrNothingSelected
	}
	if _, err := p.Client.MarkRead(ctx, cur.ID); err != nil {
		return err
	}
	p.mu.Lock()
	kept := p.pending[:0:0]
	for _, n := range p.pending {
		if n.ID != cur.ID {
			kept = append(kept, n)
		}
	}
	p.pending = kept
	changed, sel := p.reselectLocked()
	p.mu.Unlock()
	p.notifyChange(changed, sel)
	return nil
}

// Suppressed reports whether projectID is suppressed for this session.
func (p *Poller) Suppressed(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed.Has(projectID)
}

func (p *Poller) reselectLocked() (bool, *domain.Notification) {
	if p.suppressed == nil {
		p.suppressed = notify.NewSuppression()
	}
	sel := p.policy().SelectNotification(p.pending, p.projects, p.suppressed)
	for _, s := range sel.Stale {
		p.log().WithField("notification_id", s.ID).WithField("reason", s.Reason).Debug("skipping stale notification")
	}
	changed := !sameNotification(p.current, sel.Selected)
	p.current = sel.Selected
	return changed, sel.Selected
}

func (p *Poller) notifyChange(changed bool, sel *domain.Notification) {
	if changed && p.OnChange != nil {
		p.OnChange(sel)
	}
}

func (p *Poller) policy() notify.Policy {
	if p.Policy.ManagerRole == "" {
		return notify.DefaultPolicy
	}
	return p.Policy
}

func (p *Poller) log() logrus.FieldLogger {
	return logging.OrDiscard(p.Log)
}

func sameNotification(a, b *domain.Notification) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
