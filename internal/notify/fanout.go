// Package notify delivers in-app notifications to workspace members and
// queues immediate emails for those who asked for them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/cache"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/storage"
)

// Preference keys.
const (
	PrefImpact   = "impact"
	PrefConflict = "conflict"
	PrefHealth   = "health"
)

// Notification types.
const (
	TypeImpact   = "change_impact"
	TypeConflict = "evidence_conflict"
	TypeHealth   = "health_degraded"
)

const (
	DefaultEmailLimit  = 10
	DefaultEmailWindow = time.Hour
)

// ErrRateLimited means a user's immediate email budget for the window is spent.
var ErrRateLimited = errors.New("email rate limit exceeded")

// RateLimiter caps immediate emails per user over a fixed window.
type RateLimiter struct {
	counter cache.Counter
	limit   int64
	window  time.Duration
}

func NewRateLimiter(c cache.Counter, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultEmailLimit
	}
	if window <= 0 {
		window = DefaultEmailWindow
	}
	return &RateLimiter{counter: c, limit: int64(limit), window: window}
}

// Allow consumes one unit of userID's budget, returning ErrRateLimited once
// the budget is spent.
func (r *RateLimiter) Allow(ctx context.Context, userID string) error {
	n, err := r.counter.Incr(ctx, "email:"+userID, r.window)
	if err != nil {
		return fmt.Errorf("counting emails for %s: %w", userID, err)
	}
	if n > r.limit {
		return ErrRateLimited
	}
	return nil
}

// Event is one thing worth telling a workspace about.
type Event struct {
	WorkspaceID   string
	Type          string
	Title         string
	Body          string
	Link          string
	RelatedIDs    []string
	PreferenceKey string
}

// FanoutResult counts what a fan-out delivered.
type FanoutResult struct {
	Notified    int
	Emailed     int
	RateLimited int
}

type Service struct {
	store   *storage.Store
	bus     *jobs.Bus
	limiter *RateLimiter
	mailer  Mailer
	now     func() time.Time
	logger  *slog.Logger
}

// NewService wires a fan-out service. A nil mailer logs emails instead of
// sending them.
func NewService(store *storage.Store, bus *jobs.Bus, limiter *RateLimiter, mailer Mailer) *Service {
	logger := logging.New("notify")
	if mailer == nil {
		mailer = NewLogMailer(logger)
	}
	return &Service{
		store:   store,
		bus:     bus,
		limiter: limiter,
		mailer:  mailer,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

type recipient struct {
	userID         string
	email          string
	notificationID string
}

// Fanout writes one notification per member whose preference for
// ev.PreferenceKey is not disabled, then queues emails for members on
// immediate delivery. Email budget is only spent once the notifications are
// stored. A member over the email limit, or whose budget cannot be checked,
// still gets the in-app notification.
func (s *Service) Fanout(ctx context.Context, ev Event) (FanoutResult, error) {
	var res FanoutResult
	log := s.logger.With("workspace_id", ev.WorkspaceID, "type", ev.Type)

	members, err := s.store.ListMembers(ctx, ev.WorkspaceID)
	if err != nil {
		return res, fmt.Errorf("listing members: %w", err)
	}
	if len(members) == 0 {
		return res, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	prefs, err := s.store.Preferences(ctx, ids, ev.PreferenceKey)
	if err != nil {
		return res, fmt.Errorf("loading preferences: %w", err)
	}

	created := s.now()
	var (
		rows      []storage.Notification
		immediate []recipient
	)
	for _, m := range members {
		mode, ok := prefs[m.UserID]
		if !ok {
			mode = storage.PreferenceEnabled
		}
		if mode == storage.PreferenceDisabled {
			continue
		}
		n := storage.Notification{
			ID:          uuid.NewString(),
			UserID:      m.UserID,
			WorkspaceID: ev.WorkspaceID,
			Type:        ev.Type,
			Title:       ev.Title,
			Body:        ev.Body,
			Link:        ev.Link,
			RelatedIDs:  ev.RelatedIDs,
			CreatedAt:   created,
		}
		rows = append(rows, n)
		if mode == storage.PreferenceImmediate && m.Email != "" {
			immediate = append(immediate, recipient{userID: m.UserID, email: m.Email, notificationID: n.ID})
		}
	}
	if len(rows) == 0 {
		return res, nil
	}

	if err := s.store.InsertNotifications(ctx, rows); err != nil {
		return FanoutResult{}, fmt.Errorf("storing notifications: %w", err)
	}
	res.Notified = len(rows)

	// The notifications are committed, so email problems from here on are
	// logged rather than returned; a retry would notify everyone twice.
	for _, r := range immediate {
		if err := s.limiter.Allow(ctx, r.userID); err != nil {
			if errors.Is(err, ErrRateLimited) {
				res.RateLimited++
				log.Warn("immediate email dropped", "user_id", r.userID, "reason", err)
			} else {
				log.Warn("email budget unavailable, skipping email", "user_id", r.userID, "error", err)
			}
			continue
		}
		if err := s.bus.Publish(ctx, jobs.Event{
			Name: jobs.EmailSend,
			Key:  jobs.EmailSend + ":" + r.notificationID,
			Payload: jobs.EmailPayload{
				NotificationID: r.notificationID, To: r.email, Subject: ev.Title, Body: ev.Body, Link: ev.Link,
			},
		}); err != nil {
			log.Error("queueing email", "user_id", r.userID, "error", err)
			continue
		}
		res.Emailed++
	}
	log.Info("notifications fanned out", "notified", res.Notified, "emailed", res.Emailed, "rate_limited", res.RateLimited)
	return res, nil
}

// HandleEmail is the EmailSend handler. Delivery failures are retried by the
// pool and never touch the notification row.
func (s *Service) HandleEmail(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.EmailPayload](job)
	if err != nil {
		return err
	}
	if p.To == "" {
		return jobs.Skip("no recipient address")
	}
	if err := s.mailer.Send(ctx, Message{To: p.To, Subject: p.Subject, Body: p.Body, Link: p.Link}); err != nil {
		return fmt.Errorf("sending email for notification %s: %w", p.NotificationID, err)
	}
	return nil
}

// ListForUser returns a user's notifications, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]storage.Notification, error) {
	return s.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

// MarkRead marks one notification read. Marking it again keeps the first
// read time.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkNotificationRead(ctx, id, s.now())
}
