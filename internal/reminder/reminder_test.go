package reminder

import (
	"context"
	"errors"
	"shelflife/pkg/domain"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func staticDirectory() StaticDirectory {
	return StaticDirectory{
		Contacts: map[string]string{"alice": " alice@example.com ", "carol": "carol@example.com"},
		Groups:   map[string][]string{"qa": {"carol", "bob@example.com", " "}},
	}
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := staticDirectory()

	contact, err := dir.PrincipalContact(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", contact)

	contact, err = dir.PrincipalContact(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, contact)

	members, err := dir.GroupContacts(ctx, "QA")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, members)

	members, err = dir.GroupContacts(ctx, "ops")
	require.NoError(t, err)
	assert.Empty(t, members)
}

type countingDirectory struct {
	calls map[string]int
	err   error
}

func (d *countingDirectory) PrincipalContact(_ context.Context, principal string) (string, error) {
	d.calls["principal:"+principal]++
	if d.err != nil {
		return "", d.err
	}
	if principal == "ghost" {
		return "", nil
	}
	return principal + "@example.com", nil
}

func (d *countingDirectory) GroupContacts(_ context.Context, group string) ([]string, error) {
	d.calls["group:"+group]++
	if d.err != nil {
		return nil, d.err
	}
	return []string{"lead@example.com"}, nil
}

func TestCachedDirectory(t *testing.T) {
	ctx := context.Background()
	next := &countingDirectory{calls: map[string]int{}}
	dir := NewCachedDirectory(next, time.Minute)

	for range 3 {
		contact, err := dir.PrincipalContact(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", contact)
		ghost, err := dir.PrincipalContact(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, ghost)
	}
	assert.Equal(t, 1, next.calls["principal:alice"])
	assert.Equal(t, 1, next.calls["principal:ghost"], "negative lookups are cached")

	members, err := dir.GroupContacts(ctx, "qa")
	require.NoError(t, err)
	members[0] = "mutated"
	members, err = dir.GroupContacts(ctx, "qa")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead@example.com"}, members)
	assert.Equal(t, 1, next.calls["group:qa"])
	assert.Equal(t, 3, dir.ItemCount())

	dir.Flush()
	assert.Equal(t, 0, dir.ItemCount())
	_, err = dir.PrincipalContact(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls["principal:alice"])
}

func TestCachedDirectoryWrapsErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("directory offline")
	next := &countingDirectory{calls: map[string]int{}, err: boom}
	dir := NewCachedDirectory(next, 0)

	_, err := dir.PrincipalContact(ctx, "alice")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "resolve principal alice")
	_, err = dir.GroupContacts(ctx, "qa")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "resolve group qa")
	assert.Equal(t, 0, dir.ItemCount(), "failures are not cached")
}

func day(n int) *time.Time {
	d := now.AddDate(0, 0, n)
	return &d
}

func TestPlannerCandidates(t *testing.T) {
	planner := Planner{Directory: staticDirectory(), Deriver: domain.StatusDeriver{WindowDays: 60}, Now: func() time.Time { return now }}
	samples := []domain.Sample{
		{Base: domain.Base{ID: "2"}, DisplayID: "SMP-2", SubmittedBy: "alice", ReviewerGroup: "qa", MaturationDate: day(5)},
		{Base: domain.Base{ID: "1"}, DisplayID: "SMP-1", Owner: "alice", MaturationDate: day(5)},
		{Base: domain.Base{ID: "3"}, DisplayID: "SMP-3", SubmittedBy: "carol", ReviewerGroup: "qa"},
		{Base: domain.Base{ID: "4"}, DisplayID: "SMP-4", SubmittedBy: "alice", Status: domain.SampleStatusApproved, MaturationDate: day(5)},
		{Base: domain.Base{ID: "5"}, DisplayID: "SMP-5", SubmittedBy: "alice", Status: domain.SampleStatusRejected},
		{Base: domain.Base{ID: "6"}, DisplayID: "SMP-6", SubmittedBy: "nobody"},
	}

	grouped, err := planner.Candidates(context.Background(), slices.Values(samples))
	require.NoError(t, err)
	ids := func(recipient string) []string {
		var out []string
		for _, s := range grouped[recipient] {
			out = append(out, s.DisplayID)
		}
		return out
	}
	assert.Len(t, grouped, 3)
	assert.Equal(t, []string{"SMP-1", "SMP-2"}, ids("alice@example.com"))
	assert.Equal(t, []string{"SMP-2", "SMP-3"}, ids("bob@example.com"))
	// carol is both submitter and reviewer of SMP-3 but receives it once.
	assert.Equal(t, []string{"SMP-2", "SMP-3"}, ids("carol@example.com"))
}

func TestPlannerStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	planner := Planner{Directory: staticDirectory()}
	_, err := planner.Candidates(ctx, slices.Values([]domain.Sample{{DisplayID: "SMP-1", SubmittedBy: "alice"}}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPlannerPropagatesDirectoryErrors(t *testing.T) {
	boom := errors.New("lookup failed")
	planner := Planner{Directory: &countingDirectory{calls: map[string]int{}, err: boom}}
	_, err := planner.Candidates(context.Background(), slices.Values([]domain.Sample{{DisplayID: "SMP-1", SubmittedBy: "alice"}}))
	require.ErrorIs(t, err, boom)
	_, err = planner.Candidates(context.Background(), slices.Values([]domain.Sample{{DisplayID: "SMP-1", ReviewerGroup: "qa"}}))
	require.ErrorIs(t, err, boom)
}
