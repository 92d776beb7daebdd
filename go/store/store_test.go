package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsshio/netsshd/go/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "netsshd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob() model.Job {
	return model.Job{
		Type: model.JobTypeSSH,
		Connection: model.ConnectionSpec{
			Host: "10.0.0.1", Port: 22, Username: "admin", DeviceType: "cisco_ios",
			Auth: model.AuthSpec{Password: "secret"},
		},
		Commands:   []string{"show version"},
		MaxRetries: 3,
		Schedule:   model.Schedule{Kind: model.ScheduleImmediate},
		Status:     model.JobPending,
		CreatedAt:  time.Now(),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
	require.Equal(t, "10.0.0.1", got.Connection.Host)
	require.Equal(t, []string{"show version"}, got.Commands)
}

func TestUpdateStatusUnknownJobErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus(context.Background(), "missing", model.JobRunning)
	require.Error(t, err)
}

func TestAppendCommandResultsPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := s.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	first := []model.CommandResult{{ID: "r1", Command: "show version", Output: "ok", ExecutedAt: time.Now()}}
	second := []model.CommandResult{{ID: "r2", Command: "show clock", Output: "ok2", ExecutedAt: time.Now()}}
	require.NoError(t, s.AppendCommandResults(ctx, id, first))
	require.NoError(t, s.AppendCommandResults(ctx, id, second))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_results WHERE job_id = ?`, id).Scan(&count))
	require.Equal(t, 2, count)

	rows, err := s.db.QueryContext(ctx, `SELECT result_json FROM command_results WHERE job_id = ? ORDER BY idx ASC`, id)
	require.NoError(t, err)
	defer rows.Close()
	var jsons []string
	for rows.Next() {
		var j string
		require.NoError(t, rows.Scan(&j))
		jsons = append(jsons, j)
	}
	require.Contains(t, jsons[0], "show version")
	require.Contains(t, jsons[1], "show clock")
}

func TestListJobsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pendingID, err := s.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	runningJob := sampleJob()
	runningID, err := s.CreateJob(ctx, runningJob)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, runningID, model.JobRunning))

	pending, err := s.ListJobs(ctx, JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, pendingID, pending[0].ID)

	running, err := s.ListJobs(ctx, JobFilter{Status: model.JobRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, runningID, running[0].ID)
}

func TestDeleteJobRemovesResultsAndLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := s.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	require.NoError(t, s.AppendCommandResults(ctx, id, []model.CommandResult{{ID: "r1", Command: "x", ExecutedAt: time.Now()}}))
	require.NoError(t, s.AppendLog(ctx, model.JobLogEntry{JobID: id, Time: time.Now(), Level: model.LogInfo, Message: "started"}))

	require.NoError(t, s.DeleteJob(ctx, id))

	_, err = s.GetJob(ctx, id)
	require.Error(t, err)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_results WHERE job_id = ?`, id).Scan(&count))
	require.Zero(t, count)
}

func TestScheduledOneTimeDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	due := sampleJob()
	due.Schedule = model.Schedule{Kind: model.ScheduleOneTime, At: time.Now().Add(-time.Minute)}
	dueID, err := s.CreateJob(ctx, due)
	require.NoError(t, err)

	future := sampleJob()
	future.Schedule = model.Schedule{Kind: model.ScheduleOneTime, At: time.Now().Add(time.Hour)}
	_, err = s.CreateJob(ctx, future)
	require.NoError(t, err)

	jobs, err := s.ScheduledOneTimeDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, dueID, jobs[0].ID)
}

func TestScheduledRecurringDueAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := sampleJob()
	job.Schedule = model.Schedule{Kind: model.ScheduleRecurring, Cron: "*/5 * * * *", Timezone: "UTC", At: time.Now().Add(-time.Minute)}
	id, err := s.CreateJob(ctx, job)
	require.NoError(t, err)

	due, err := s.ScheduledRecurringDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "*/5 * * * *", due[0].Schedule.Cron)

	next := time.Now().Add(5 * time.Minute)
	require.NoError(t, s.UpdateNextRunAt(ctx, id, &next))

	due, err = s.ScheduledRecurringDue(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, s.UpdateNextRunAt(ctx, id, nil))
	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)
}

func TestConnectionProfileCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	profile := model.ConnectionProfile{
		Name:      "core-router",
		Spec:      model.ConnectionSpec{Host: "10.1.1.1", Port: 22, Username: "netops", DeviceType: "cisco_ios"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	id, err := s.SaveConnectionProfile(ctx, profile)
	require.NoError(t, err)

	got, err := s.GetConnectionProfile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "core-router", got.Name)

	updatedSpec := got.Spec
	updatedSpec.Host = "10.1.1.2"
	require.NoError(t, s.UpdateConnectionProfile(ctx, id, updatedSpec, time.Now()))

	got, err = s.GetConnectionProfile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "10.1.1.2", got.Spec.Host)

	list, err := s.ListConnectionProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteConnectionProfile(ctx, id))
	_, err = s.GetConnectionProfile(ctx, id)
	require.Error(t, err)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	var hashKey [32]byte
	spec := model.ConnectionSpec{Host: "10.0.0.1", Port: 22, Username: "admin", DeviceType: "cisco_ios"}
	commands := []string{"show version"}

	a, err := IdempotencyKey(hashKey, spec, commands)
	require.NoError(t, err)
	b, err := IdempotencyKey(hashKey, spec, commands)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := IdempotencyKey(hashKey, spec, []string{"show clock"})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
