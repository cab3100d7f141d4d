package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
)

type fakeMandates struct {
	timezones map[string]string
	err       error
}

func newFakeMandates() *fakeMandates {
	return &fakeMandates{timezones: make(map[string]string)}
}

func (f *fakeMandates) SetTimezone(_ context.Context, mandatePath, timezone string) error {
	if f.err != nil {
		return f.err
	}
	f.timezones[mandatePath] = timezone
	return nil
}

func swissUser() *models.UserContext {
	return &models.UserContext{
		UserID:      "u1",
		CompanyID:   "c1",
		MandatePath: "mandates/acme/books/2026",
		Country:     "Switzerland",
	}
}

func TestResolveUsesSessionTimezone(t *testing.T) {
	client := llm.NewStubClient(llm.TextResponse("Europe/Zurich"))
	mandates := newFakeMandates()
	r := NewTimezoneResolver(client, "mini-model", mandates)

	uc := swissUser()
	uc.Timezone = "Europe/Berlin"

	assert.Equal(t, "Europe/Berlin", r.Resolve(context.Background(), uc))
	assert.Equal(t, 0, client.CallCount(), "a known timezone must not hit the model")
	assert.Empty(t, mandates.timezones)
}

func TestResolveAsksModelOnceAndPersists(t *testing.T) {
	client := llm.NewStubClient(
		llm.TextResponse("Europe/Zurich"),
		llm.TextResponse("Asia/Tokyo"),
	)
	mandates := newFakeMandates()
	r := NewTimezoneResolver(client, "mini-model", mandates)
	uc := swissUser()

	got := r.Resolve(context.Background(), uc)
	assert.Equal(t, "Europe/Zurich", got)
	assert.Equal(t, "Europe/Zurich", mandates.timezones[uc.MandatePath])

	in := client.LastInput()
	require.NotNil(t, in)
	assert.Equal(t, "mini-model", in.Model)
	require.Len(t, in.Messages, 1)
	assert.Contains(t, in.Messages[0].Content, "Switzerland")

	// Second resolution comes from the per-process memo.
	got = r.Resolve(context.Background(), uc)
	assert.Equal(t, "Europe/Zurich", got)
	assert.Equal(t, 1, client.CallCount())
}

func TestResolveStripsQuotes(t *testing.T) {
	client := llm.NewStubClient(llm.TextResponse(`"Europe/Zurich"`))
	r := NewTimezoneResolver(client, "mini-model", newFakeMandates())

	assert.Equal(t, "Europe/Zurich", r.Resolve(context.Background(), swissUser()))
}

func TestResolveRejectsUnknownZone(t *testing.T) {
	client := llm.NewStubClient(
		llm.TextResponse("Middle/Earth"),
		llm.TextResponse("Europe/Zurich"),
	)
	mandates := newFakeMandates()
	r := NewTimezoneResolver(client, "mini-model", mandates)
	uc := swissUser()

	assert.Equal(t, "UTC", r.Resolve(context.Background(), uc))
	assert.Empty(t, mandates.timezones, "an invalid answer must not be persisted")

	// The failure is not memoized, so the next call retries and succeeds.
	assert.Equal(t, "Europe/Zurich", r.Resolve(context.Background(), uc))
	assert.Equal(t, 2, client.CallCount())
}

func TestResolveWithoutCountryDefaultsToUTC(t *testing.T) {
	client := llm.NewStubClient(llm.TextResponse("Europe/Zurich"))
	r := NewTimezoneResolver(client, "mini-model", newFakeMandates())

	uc := swissUser()
	uc.Country = ""

	assert.Equal(t, "UTC", r.Resolve(context.Background(), uc))
	assert.Equal(t, 0, client.CallCount())
}

func TestResolveSurvivesPersistFailure(t *testing.T) {
	client := llm.NewStubClient(llm.TextResponse("Europe/Zurich"))
	mandates := newFakeMandates()
	mandates.err = errors.New("mongo down")
	r := NewTimezoneResolver(client, "mini-model", mandates)

	// The resolved zone is still usable this process even if the mandate
	// write failed.
	assert.Equal(t, "Europe/Zurich", r.Resolve(context.Background(), swissUser()))
}
