package machine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/mauthterm/internal/sessions"
)

type fakeRelay struct {
	energizeErr error
	energized   bool
}

func (r *fakeRelay) Energize() error {
	if r.energizeErr != nil {
		return r.energizeErr
	}
	r.energized = true
	return nil
}

func (r *fakeRelay) DeEnergize() error {
	r.energized = false
	return nil
}

type fakeSink struct {
	records []UsageRecord
}

func (s *fakeSink) Enqueue(r UsageRecord) {
	s.records = append(s.records, r)
}

func sessionWith(perm string) *sessions.TokenSession {
	return &sessions.TokenSession{SessionID: "s1", Permissions: map[string]struct{}{perm: {}}}
}

func TestCheckInEnergizesWhenPermitted(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op"}, relay, sink)

	require.NoError(t, c.CheckIn(sessionWith("op")))
	require.Equal(t, Active, c.State())
	require.True(t, relay.energized)
}

func TestCheckInDeniedWithoutOpeningRecord(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op"}, relay, sink)

	require.NoError(t, c.CheckIn(sessionWith("other")))
	require.Equal(t, Denied, c.State())
	require.False(t, relay.energized)
	require.Empty(t, sink.records)
}

func TestCheckInRelayFaultClosesRecordWithUIReason(t *testing.T) {
	relay := &fakeRelay{energizeErr: errors.New("stuck")}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op"}, relay, sink)

	err := c.CheckIn(sessionWith("op"))
	require.Error(t, err)
	require.Equal(t, Denied, c.State())
	require.Len(t, sink.records, 1)
	require.Equal(t, ReasonUI, sink.records[0].CheckoutReason)
}

func TestCheckOutClosesRecordAndDeEnergizes(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op"}, relay, sink)
	require.NoError(t, c.CheckIn(sessionWith("op")))

	c.CheckOut(ReasonUser)
	require.Equal(t, Idle, c.State())
	require.False(t, relay.energized)
	require.Len(t, sink.records, 1)
	require.Equal(t, ReasonUser, sink.records[0].CheckoutReason)
}

func TestCheckInWhileActiveReplacesSessionWithNewTagReason(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op"}, relay, sink)
	require.NoError(t, c.CheckIn(sessionWith("op")))

	second := sessionWith("op")
	second.SessionID = "s2"
	require.NoError(t, c.CheckIn(second))

	require.Equal(t, Active, c.State())
	require.Len(t, sink.records, 1)
	require.Equal(t, ReasonNewTag, sink.records[0].CheckoutReason)
	require.Equal(t, "s1", sink.records[0].SessionID)
}

// TestCheckInWhileActiveWithInsufficientPermissionDeEnergizes covers
// spec.md §4.6/§8 property 8 ("relay == energized iff state is
// Active"): a new tap that closes out an Active session but then
// turns out to lack the required permission must still leave the
// relay de-energized, not just the reported state as Denied.
func TestCheckInWhileActiveWithInsufficientPermissionDeEnergizes(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op"}, relay, sink)
	require.NoError(t, c.CheckIn(sessionWith("op")))
	require.True(t, relay.energized)

	require.NoError(t, c.CheckIn(sessionWith("other")))

	require.Equal(t, Denied, c.State())
	require.False(t, relay.energized)
	require.Len(t, sink.records, 1)
	require.Equal(t, ReasonNewTag, sink.records[0].CheckoutReason)
}

func TestPollTimeoutAutoChecksOut(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	c := New(Binding{MachineID: "m1", RequiredPermission: "op", ActivationTimeout: time.Millisecond}, relay, sink)
	require.NoError(t, c.CheckIn(sessionWith("op")))

	time.Sleep(5 * time.Millisecond)
	c.PollTimeout()

	require.Equal(t, Idle, c.State())
	require.Len(t, sink.records, 1)
	require.Equal(t, ReasonTimeout, sink.records[0].CheckoutReason)
}
