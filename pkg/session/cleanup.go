package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge      = 7 * 24 * time.Hour // 7 days
	DefaultCleanupInterval = 24 * time.Hour
	DefaultMaxMessages     = 500
)

// Cleanup removes expired ephemeral sessions and trims oversized histories.
// Only hidden and terminal sessions expire; user and scheduled sessions are kept.
type Cleanup struct {
	manager     *Manager
	cleanupAge  time.Duration
	interval    time.Duration
	maxMessages int
	expiring    map[SessionType]bool

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewCleanup creates a new session cleanup handler
func NewCleanup(manager *Manager, cleanupAge time.Duration) *Cleanup {
	if cleanupAge == 0 {
		cleanupAge = DefaultCleanupAge
	}

	return &Cleanup{
		manager:     manager,
		cleanupAge:  cleanupAge,
		interval:    DefaultCleanupInterval,
		maxMessages: DefaultMaxMessages,
		expiring:    map[SessionType]bool{TypeHidden: true, TypeTerminal: true},
	}
}

// Start launches the periodic cleanup loop
func (c *Cleanup) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(ctx, c.stopCh, c.doneCh)

	log.Info().
		Dur("cleanup_age", c.cleanupAge).
		Int("max_messages", c.maxMessages).
		Msg("Session cleanup started")

	return nil
}

// Stop stops the loop and waits for an in-flight pass to finish
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	close(c.stopCh)
	done := c.doneCh
	c.running = false
	c.mu.Unlock()

	<-done
	log.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning returns whether the cleanup loop is running
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetMaxMessages sets how many messages a session keeps after pruning; 0 disables pruning
func (c *Cleanup) SetMaxMessages(maxMessages int) {
	c.maxMessages = maxMessages
}

func (c *Cleanup) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Run immediately on start
	if _, err := c.CleanupNow(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to cleanup sessions")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := c.CleanupNow(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup sessions")
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CleanupNow runs one pass and returns how many sessions were deleted
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	sessions, err := c.manager.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := c.manager.now()
	deleted := 0

	for _, s := range sessions {
		age := now.Sub(s.UpdatedAt)
		if c.expiring[s.SessionType] && age >= c.cleanupAge {
			if err := c.manager.DeleteSession(ctx, s.ID); err != nil {
				log.Error().
					Str("session_id", s.ID).
					Err(err).
					Msg("Failed to delete session")
				continue
			}
			deleted++

			log.Debug().
				Str("session_id", s.ID).
				Dur("age", age).
				Msg("Session deleted")
			continue
		}

		if err := c.pruneSession(ctx, s); err != nil {
			log.Warn().
				Str("session_id", s.ID).
				Err(err).
				Msg("Failed to prune session")
		}
	}

	if deleted > 0 {
		log.Info().
			Int("deleted", deleted).
			Msg("Cleaned up expired sessions")
	}

	return deleted, nil
}

func (c *Cleanup) pruneSession(ctx context.Context, s *Session) error {
	if c.maxMessages <= 0 || s.MessageCount <= c.maxMessages {
		return nil
	}

	conv, err := c.manager.GetConversation(ctx, s.ID)
	if err != nil {
		return err
	}
	if len(conv) <= c.maxMessages {
		return nil
	}

	pruned := conv[len(conv)-c.maxMessages:]
	if err := c.manager.ReplaceConversation(ctx, s.ID, pruned); err != nil {
		return err
	}

	log.Debug().
		Str("session_id", s.ID).
		Int("from_messages", len(conv)).
		Int("to_messages", len(pruned)).
		Msg("Session pruned")

	return nil
}
