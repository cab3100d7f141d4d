package brain

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
)

func checkoutWithMessages(t *testing.T, f *fixture, n int) *Brain {
	t.Helper()
	ctx := context.Background()
	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	filler := strings.Repeat("ledger entry reconciliation pending review ", 8)
	for i := 0; i < n; i++ {
		msg := models.ChatMessage{ID: int64(i + 1), Role: models.RoleUser, Content: filler}
		b.Append(msg)
		require.NoError(t, f.history.Append(ctx, "u1", "c1", "t1", &msg))
	}
	return b
}

func TestMaybeCompressBelowBudgetIsNoop(t *testing.T) {
	f := newFixture(t)
	client := llm.NewStubClient(llm.TextResponse("should not be called"))
	s := NewSummarizer(client, "mini-model", f.history, 1_000_000, 2)

	b := checkoutWithMessages(t, f, 4)
	defer f.cache.Release(b)

	s.MaybeCompress(context.Background(), b)
	assert.Equal(t, 0, client.CallCount())
	assert.Empty(t, b.Summary())
}

func TestMaybeCompressFoldsHistory(t *testing.T) {
	f := newFixture(t)
	client := llm.NewStubClient(llm.TextResponse("user reconciled ledgers; three invoices open"))
	s := NewSummarizer(client, "mini-model", f.history, 10, 2)

	b := checkoutWithMessages(t, f, 6)
	defer f.cache.Release(b)
	before := b.TokenCount()

	s.MaybeCompress(context.Background(), b)

	require.Equal(t, 1, client.CallCount())
	assert.Equal(t, "user reconciled ledgers; three invoices open", b.Summary())
	assert.Len(t, b.Messages(), 2, "only the trailing messages survive")
	assert.Less(t, b.TokenCount(), before)

	in := client.LastInput()
	require.NotNil(t, in)
	assert.Equal(t, "mini-model", in.Model)
	assert.Contains(t, in.Messages[0].Content, "ledger entry")

	// Durable copy rewritten for later rebuilds.
	tr, ok := f.history.Load(context.Background(), "u1", "c1", "t1")
	require.True(t, ok)
	assert.Equal(t, "user reconciled ledgers; three invoices open", tr.Meta.Summary)
	assert.Len(t, tr.Messages, 2)

	// The request system text now leads with the compressed context.
	assert.True(t, strings.HasPrefix(b.RequestSystem(), "## Earlier Conversation (summarized)"))
}

func TestMaybeCompressChainsSummaries(t *testing.T) {
	f := newFixture(t)
	client := llm.NewStubClient(
		llm.TextResponse("first pass summary"),
		llm.TextResponse("second pass summary"),
	)
	s := NewSummarizer(client, "mini-model", f.history, 10, 1)

	b := checkoutWithMessages(t, f, 4)
	defer f.cache.Release(b)

	s.MaybeCompress(context.Background(), b)
	require.Equal(t, "first pass summary", b.Summary())

	// Grow past the budget again; the second call must see the first
	// summary in its input.
	b.Append(models.ChatMessage{ID: 99, Role: models.RoleUser, Content: strings.Repeat("quarterly close ", 20)})
	s.MaybeCompress(context.Background(), b)

	require.Equal(t, 2, client.CallCount())
	assert.Equal(t, "second pass summary", b.Summary())
	assert.Contains(t, client.LastInput().Messages[0].Content, "first pass summary")
}

func TestMaybeCompressCoalesces(t *testing.T) {
	f := newFixture(t)
	client := llm.NewStubClient(llm.TextResponse("unused"))
	s := NewSummarizer(client, "mini-model", f.history, 10, 2)

	b := checkoutWithMessages(t, f, 6)
	defer f.cache.Release(b)

	require.True(t, b.beginSummarize(), "simulate a run already in flight")
	s.MaybeCompress(context.Background(), b)
	assert.Equal(t, 0, client.CallCount())
	b.endSummarize()
}

func TestMaybeCompressFailureLeavesContext(t *testing.T) {
	f := newFixture(t)
	client := llm.NewStubClient(llm.StubResponse{Err: assertErr("provider down")})
	s := NewSummarizer(client, "mini-model", f.history, 10, 2)

	b := checkoutWithMessages(t, f, 6)
	defer f.cache.Release(b)

	s.MaybeCompress(context.Background(), b)
	assert.Empty(t, b.Summary())
	assert.Len(t, b.Messages(), 6, "failed compression keeps the full context")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
