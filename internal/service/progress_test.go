package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
)

func TestProgressPublisherInProcessDelivery(t *testing.T) {
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	events, cleanup := publisher.Subscribe("sub-1")
	defer cleanup()

	other, otherCleanup := publisher.Subscribe("sub-2")
	defer otherCleanup()

	publisher.Progress(context.Background(), dto.ProgressEvent{
		SubmissionID:    "sub-1",
		Status:          models.StatusTesting,
		ProgressPercent: 55,
		CurrentStep:     "Running test suite",
	})

	select {
	case event := <-events:
		require.Equal(t, dto.EventTypeProgress, event.Type)
		require.Equal(t, "sub-1", event.Progress.SubmissionID)
		require.Equal(t, 55, event.Progress.ProgressPercent)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// Observers of other submissions never see it.
	select {
	case event := <-other:
		t.Fatalf("unexpected event for sub-2: %+v", event)
	default:
	}
}

func TestProgressPublisherCompletionAndFailure(t *testing.T) {
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	events, cleanup := publisher.Subscribe("sub-1")
	defer cleanup()

	publisher.Completed(context.Background(), dto.SubmissionResponse{ID: "sub-1", Grade: models.GradePass})
	publisher.Failed(context.Background(), "sub-1", models.StatusInstalling, "npm install exited 1")

	completion := <-events
	require.Equal(t, dto.EventTypeCompleted, completion.Type)
	require.Equal(t, models.GradePass, completion.Completion.Submission.Grade)

	failure := <-events
	require.Equal(t, dto.EventTypeError, failure.Type)
	require.Equal(t, models.StatusInstalling, failure.Error.Phase)
	require.Contains(t, failure.Error.Error, "npm install")
}

func TestProgressPublisherRedisFanout(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two nodes sharing one redis channel.
	nodeA := NewProgressPublisher(clientA, nil, "mark:grading", testLogger())
	nodeB := NewProgressPublisher(clientB, nil, "mark:grading", testLogger())
	nodeA.Start(ctx)
	nodeB.Start(ctx)

	// Let the subscriptions establish before publishing.
	time.Sleep(50 * time.Millisecond)

	eventsB, cleanupB := nodeB.Subscribe("sub-1")
	defer cleanupB()

	nodeA.Progress(ctx, dto.ProgressEvent{
		SubmissionID:    "sub-1",
		Status:          models.StatusReviewing,
		ProgressPercent: 75,
	})

	select {
	case event := <-eventsB:
		require.Equal(t, dto.EventTypeProgress, event.Type)
		require.Equal(t, models.StatusReviewing, event.Progress.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not fan out across nodes")
	}
}

func TestProgressPublisherIgnoresOwnRemoteEcho(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := NewProgressPublisher(client, nil, "mark:grading", testLogger())
	node.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	events, cleanup := node.Subscribe("sub-1")
	defer cleanup()

	node.Progress(ctx, dto.ProgressEvent{SubmissionID: "sub-1", Status: models.StatusTesting})

	// Exactly one delivery: the local broadcast, not the redis echo.
	<-events
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, events)
}

func TestProgressBrokerCleanupClosesChannel(t *testing.T) {
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	events, cleanup := publisher.Subscribe("sub-1")
	cleanup()

	_, open := <-events
	require.False(t, open)
}

func TestProgressBrokerCleanupIsIdempotent(t *testing.T) {
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	_, cleanup := publisher.Subscribe("sub-1")
	others, otherCleanup := publisher.Subscribe("sub-1")
	defer otherCleanup()

	cleanup()
	require.NotPanics(t, func() { cleanup() })

	// The remaining observer still receives events.
	publisher.Progress(context.Background(), dto.ProgressEvent{
		SubmissionID: "sub-1",
		Status:       models.StatusTesting,
	})

	select {
	case event := <-others:
		require.Equal(t, dto.EventTypeProgress, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event for surviving subscriber")
	}
}
