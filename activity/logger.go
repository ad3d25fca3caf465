// Package activity posts admin activity entries to the upstream log, with
// the identifier scrubbing and duplicate suppression the upstream UI applied
// before posting.
package activity

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go-healthscan/models"
)

// Actions recorded against the upstream activity log.
const (
	ActionScan      = "SCAN"
	ActionUpdate    = "UPDATE"
	ActionApprove   = "APPROVE"
	ActionUnapprove = "UNAPPROVE"
	ActionDelete    = "DELETE"
)

const (
	// debounceWindow suppresses byte-identical entries fired in quick
	// succession, e.g. a double-clicked approve button.
	debounceWindow = time.Second

	// scanCooldown suppresses repeat scan entries for the same subject.
	// Live capture can decode the same code on many consecutive frames.
	scanCooldown = 3 * time.Second
)

// Poster is the slice of the upstream client the logger posts through.
type Poster interface {
	LogActivity(ctx context.Context, entry models.ActivityLogEntry) error
}

var (
	userIDPattern  = regexp.MustCompile(`user_id:\s*[^,\s)]+`)
	parenIDPattern = regexp.MustCompile(`\(ID:\s*[^)]+\)`)
	bareIDPattern  = regexp.MustCompile(`ID:\s*[^,\s)]+`)
	doubleComma    = regexp.MustCompile(`,\s*,`)
	trailingComma  = regexp.MustCompile(`,\s*$`)
	multiSpace     = regexp.MustCompile(`\s{2,}`)

	scanSubjectPattern = regexp.MustCompile(`Scanned medical QR for: (.+)$`)
)

// Scrub strips subject identifiers out of a log description, leaving only
// names. Identifiers belong in structured fields, not in free text that gets
// displayed verbatim in the admin log.
func Scrub(description string) string {
	s := userIDPattern.ReplaceAllString(description, "")
	s = parenIDPattern.ReplaceAllString(s, "")
	s = bareIDPattern.ReplaceAllString(s, "")
	s = doubleComma.ReplaceAllString(s, ",")
	s = trailingComma.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Logger posts scrubbed, deduplicated activity entries on behalf of one
// admin identity. Posting is best-effort: a failed post is logged and
// dropped, never retried, and never fails the action it describes.
type Logger struct {
	poster    Poster
	adminID   string
	adminName string

	mu         sync.Mutex
	lastPosted map[string]time.Time
	lastScan   map[string]time.Time

	now func() time.Time
}

func NewLogger(poster Poster, adminID, adminName string) *Logger {
	return &Logger{
		poster:     poster,
		adminID:    adminID,
		adminName:  adminName,
		lastPosted: make(map[string]time.Time),
		lastScan:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// Log scrubs the description and posts the entry unless it is suppressed by
// the debounce window or, for scans, the per-subject cooldown.
func (l *Logger) Log(ctx context.Context, action, description string) {
	description = Scrub(description)
	now := l.now()

	l.mu.Lock()
	if action == ActionScan {
		subject := description
		if m := scanSubjectPattern.FindStringSubmatch(description); m != nil {
			subject = m[1]
		}
		if last, ok := l.lastScan[subject]; ok && now.Sub(last) < scanCooldown {
			l.mu.Unlock()
			slog.Debug("suppressing repeat scan entry", "subject", subject)
			return
		}
		l.lastScan[subject] = now
	}

	key := action + "|" + description
	if last, ok := l.lastPosted[key]; ok && now.Sub(last) < debounceWindow {
		l.mu.Unlock()
		slog.Debug("suppressing duplicate activity entry", "action", action)
		return
	}
	l.lastPosted[key] = now
	l.mu.Unlock()

	entry := models.ActivityLogEntry{
		Action:      action,
		Description: description,
		AdminID:     l.adminID,
		AdminName:   l.adminName,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	if err := l.poster.LogActivity(ctx, entry); err != nil {
		slog.Warn("failed to post activity entry", "action", action, "error", err)
	}
}
