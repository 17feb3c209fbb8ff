package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleJoinRequest_AutoApprove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.greetings.SetText(ctx, 42, GreetingHello, "Welcome!"))

	client := newStubClient()
	res, err := env.admission.HandleJoinRequest(ctx, newTenantBot(42, "token", client), -100, 7)
	require.NoError(t, err)
	assert.Equal(t, AdmissionApproved, res.Outcome)
	assert.Equal(t, Delivered, res.Greeting.Status)
	assert.Equal(t, []string{"ApproveChatJoinRequest", "SendMessage"}, client.CallLog())

	n, err := env.pending.CountNew(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleJoinRequest_ForbiddenGreetingStillApproved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.greetings.SetText(ctx, 42, GreetingHello, "Welcome!"))

	client := newStubClient()
	client.SendMessageFunc = func(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		return nil, bot.ErrorForbidden
	}

	res, err := env.admission.HandleJoinRequest(ctx, newTenantBot(42, "token", client), -100, 7)
	require.NoError(t, err)
	assert.Equal(t, AdmissionApproved, res.Outcome)
	assert.Equal(t, DeliveryForbidden, res.Greeting.Status)
}

func TestHandleJoinRequest_ApproveFailureSkipsGreeting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.greetings.SetText(ctx, 42, GreetingHello, "Welcome!"))

	client := newStubClient()
	client.ApproveChatJoinRequestFunc = func(ctx context.Context, params *bot.ApproveChatJoinRequestParams) (bool, error) {
		return false, errors.New("HIDE_REQUESTER_MISSING")
	}

	res, err := env.admission.HandleJoinRequest(ctx, newTenantBot(42, "token", client), -100, 7)
	require.NoError(t, err)
	assert.Equal(t, AdmissionApproveFailed, res.Outcome)
	assert.Equal(t, 0, client.CallCount("SendMessage"))
}

func TestHandleJoinRequest_CollectingQueuesOneRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.settings.SetCollectRequests(ctx, 42, true))

	client := newStubClient()
	res, err := env.admission.HandleJoinRequest(ctx, newTenantBot(42, "token", client), -100, 7)
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, res.Outcome)
	assert.Empty(t, client.CallLog())

	rows, err := env.pending.ListNew(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-100), rows[0].ChatID)
	assert.Equal(t, int64(7), rows[0].UserID)
	assert.Equal(t, PendingNew, rows[0].Status)
}

func TestRunCollectionSweep_CountsEveryRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.greetings.SetText(ctx, 42, GreetingHello, "Welcome!"))

	const total = 5
	const failing = int64(3)
	for user := int64(1); user <= total; user++ {
		_, err := env.pending.Add(ctx, 42, -100, user)
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	var order []int64
	client := newStubClient()
	client.ApproveChatJoinRequestFunc = func(ctx context.Context, params *bot.ApproveChatJoinRequestParams) (bool, error) {
		order = append(order, params.UserID)
		if params.UserID == failing {
			return false, errors.New("USER_ALREADY_PARTICIPANT")
		}
		return true, nil
	}
	client.SendMessageFunc = func(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		if params.ChatID.(int64) == 2 {
			return nil, bot.ErrorForbidden
		}
		return &models.Message{ID: 1}, nil
	}

	res, err := env.admission.RunCollectionSweep(ctx, newTenantBot(42, "token", client), 500)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Approved: total - 1, Failed: 1}, res)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, order)

	var rows []PendingRequest
	require.NoError(t, env.db.Order("user_id").Find(&rows).Error)
	require.Len(t, rows, total)
	for _, row := range rows {
		switch row.UserID {
		case failing:
			assert.Equal(t, PendingFailed, row.Status)
			require.NotNil(t, row.Error)
			assert.Contains(t, *row.Error, "USER_ALREADY_PARTICIPANT")
		case 2:
			assert.Equal(t, PendingApproved, row.Status)
			require.NotNil(t, row.DMOK)
			assert.False(t, *row.DMOK)
		default:
			assert.Equal(t, PendingApproved, row.Status)
			require.NotNil(t, row.DMOK)
			assert.True(t, *row.DMOK)
		}
	}

	// A second sweep finds nothing left to do.
	res, err = env.admission.RunCollectionSweep(ctx, newTenantBot(42, "token", client), 500)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestRunCollectionSweep_RespectsLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for user := int64(1); user <= 4; user++ {
		_, err := env.pending.Add(ctx, 42, -100, user)
		require.NoError(t, err)
	}

	client := newStubClient()
	res, err := env.admission.RunCollectionSweep(ctx, newTenantBot(42, "token", client), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Approved)

	n, err := env.pending.CountNew(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunCollectionSweep_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.admission = NewAdmissionController(env.settings, env.pending, env.delivery, time.Hour, env.metrics, env.deps.Log)
	ctx, cancel := context.WithCancel(context.Background())
	for user := int64(1); user <= 3; user++ {
		_, err := env.pending.Add(ctx, 42, -100, user)
		require.NoError(t, err)
	}

	client := newStubClient()
	client.ApproveChatJoinRequestFunc = func(ctx context.Context, params *bot.ApproveChatJoinRequestParams) (bool, error) {
		cancel()
		return true, nil
	}

	res, err := env.admission.RunCollectionSweep(ctx, newTenantBot(42, "token", client), 500)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Approved)

	n, err := env.pending.CountNew(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "unprocessed rows stay new")
}

func TestRunCollectionSweep_SpacesApprovals(t *testing.T) {
	const interval = 30 * time.Millisecond
	env := newTestEnv(t)
	env.admission = NewAdmissionController(env.settings, env.pending, env.delivery, interval, env.metrics, env.deps.Log)
	ctx := context.Background()
	for user := int64(1); user <= 4; user++ {
		_, err := env.pending.Add(ctx, 42, -100, user)
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	var calls []time.Time
	client := newStubClient()
	client.ApproveChatJoinRequestFunc = func(ctx context.Context, params *bot.ApproveChatJoinRequestParams) (bool, error) {
		calls = append(calls, time.Now())
		return true, nil
	}

	start := time.Now()
	res, err := env.admission.RunCollectionSweep(ctx, newTenantBot(42, "token", client), 500)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Approved)

	require.Len(t, calls, 4)
	for i, at := range calls {
		assert.GreaterOrEqual(t, at.Sub(start), time.Duration(i)*interval, "approval %d came early", i)
	}
}
