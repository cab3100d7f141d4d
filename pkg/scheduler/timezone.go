package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
)

const (
	timezoneTimeout   = 15 * time.Second
	timezoneMaxTokens = 64
)

const timezoneSystemPrompt = `You map a country to its primary IANA timezone identifier.
Answer with the identifier alone, e.g. "Europe/Zurich". If the country
spans several zones, pick the one its capital uses. If you cannot tell,
answer "UTC".`

// TimezoneSetter persists a resolved timezone on the mandate document.
// *docstore.MandateRepo satisfies it.
type TimezoneSetter interface {
	SetTimezone(ctx context.Context, mandatePath, timezone string) error
}

// TimezoneResolver fills in missing mandate timezones with a one-shot mini
// model call. Resolutions are persisted on the mandate and memoized per
// process, so a mandate pays for at most one call.
type TimezoneResolver struct {
	client   llm.Client
	model    string
	mandates TimezoneSetter

	mu    sync.Mutex
	cache map[string]string // mandate path → IANA name
}

// NewTimezoneResolver wires the resolver. model is the mini model name.
func NewTimezoneResolver(client llm.Client, model string, mandates TimezoneSetter) *TimezoneResolver {
	return &TimezoneResolver{
		client:   client,
		model:    model,
		mandates: mandates,
		cache:    make(map[string]string),
	}
}

// Resolve returns the mandate's IANA timezone: the session's own value if
// set, then the per-process memo, then the model. Failures fall back to UTC
// without caching or persisting, so a later call retries.
func (r *TimezoneResolver) Resolve(ctx context.Context, uc *models.UserContext) string {
	if uc.Timezone != "" {
		return uc.Timezone
	}
	r.mu.Lock()
	cached, ok := r.cache[uc.MandatePath]
	r.mu.Unlock()
	if ok {
		return cached
	}
	if uc.Country == "" {
		slog.Warn("Mandate has no country, defaulting timezone to UTC",
			"mandate_path", uc.MandatePath)
		return "UTC"
	}

	cctx, cancel := context.WithTimeout(ctx, timezoneTimeout)
	defer cancel()
	answer, err := llm.Complete(cctx, r.client, timezoneSystemPrompt,
		fmt.Sprintf("Country: %s", uc.Country), r.model, timezoneMaxTokens)
	if err != nil {
		slog.Warn("Timezone resolution call failed, defaulting to UTC",
			"mandate_path", uc.MandatePath,
			"country", uc.Country,
			"error", err)
		return "UTC"
	}
	tz := strings.Trim(answer, "\"'`")
	if _, err := time.LoadLocation(tz); err != nil {
		slog.Warn("Model answered an unknown timezone, defaulting to UTC",
			"mandate_path", uc.MandatePath,
			"country", uc.Country,
			"answer", answer)
		return "UTC"
	}

	if err := r.mandates.SetTimezone(ctx, uc.MandatePath, tz); err != nil {
		slog.Warn("Resolved timezone not persisted on mandate",
			"mandate_path", uc.MandatePath,
			"timezone", tz,
			"error", err)
	}
	r.mu.Lock()
	r.cache[uc.MandatePath] = tz
	r.mu.Unlock()
	slog.Info("Mandate timezone resolved",
		"mandate_path", uc.MandatePath,
		"country", uc.Country,
		"timezone", tz)
	return tz
}
