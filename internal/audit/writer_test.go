package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"agentkyc/internal/domain"
)

type memoryStore struct {
	entries []domain.AuditEntry
	err     error
}

func (m *memoryStore) InsertAuditEntry(_ context.Context, e domain.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestAppendStampsEntry(t *testing.T) {
	store := &memoryStore{}
	w := Writer{Store: store, Now: func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }}

	w.Append(context.Background(), Entry{
		ApplicationID: "app-1",
		Actor:         domain.ActorAdmin,
		Action:        domain.ActionStatusChange,
		Before:        "reviewing",
		After:         "verified",
		Reason:        "looks good",
		Metadata:      map[string]any{"score": 1.0},
	})

	require.Len(t, store.entries, 1)
	got := store.entries[0]
	require.NotEmpty(t, got.ID)
	require.Equal(t, "2024-01-01T12:00:00.000000Z", got.CreatedAt)
	require.Equal(t, "app-1", *got.ApplicationID)
	require.Equal(t, "reviewing", *got.BeforeState)
	require.Equal(t, "verified", *got.AfterState)
	require.Equal(t, "looks good", *got.Reason)
}

func TestAppendOmitsEmptyOptionals(t *testing.T) {
	store := &memoryStore{}
	Writer{Store: store}.Append(context.Background(), Entry{Actor: domain.ActorSystem, Action: "maintenance"})
	require.Len(t, store.entries, 1)
	require.Nil(t, store.entries[0].ApplicationID)
	require.Nil(t, store.entries[0].BeforeState)
	require.Nil(t, store.entries[0].Reason)
}

func TestAppendSwallowsStoreErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	store := &memoryStore{err: errors.New("disk full")}
	w := Writer{Store: store, Log: zap.New(core)}

	require.NotPanics(t, func() {
		w.Append(context.Background(), Entry{ApplicationID: "app-1", Actor: "automation", Action: domain.ActionFlaggedForHuman})
	})
	require.Equal(t, 1, logs.FilterMessage("audit write failed").Len())

	Writer{}.Append(context.Background(), Entry{Actor: "system", Action: "noop"})
}
