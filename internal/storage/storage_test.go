package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"envsync/internal/launchenv"
	logx "envsync/pkg/logx"
)

var nopLog = logx.Nop()

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, nopLog)
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, nopLog); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestStores(t *testing.T) {
	drivers := []struct {
		driver   string
		file     string
		retained int
	}{
		{driver: "file", file: "history.jsonl", retained: 4},
		{driver: "sqlite", file: "history.db", retained: 3},
	}
	for _, d := range drivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", d.file)
			st, err := Open(Config{Driver: d.driver, Path: path, Keep: 3, BusyTimeout: time.Second}, nopLog)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 7; i++ {
				rec := RunRecord{
					ID:         fmt.Sprintf("run-%d", i),
					At:         base.Add(time.Duration(i) * time.Minute),
					Trigger:    "test",
					Vars:       i,
					Dispatched: 2*i + 2,
				}
				if i == 6 {
					rec.SkippedNames = []string{"BAD-NAME"}
					rec.Error = "systemd: boom"
				}
				if err := st.AppendRun(ctx, rec); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, 2)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(got) != 2 || got[0].ID != "run-6" || got[1].ID != "run-5" {
				t.Fatalf("RecentRuns(2) = %+v", got)
			}
			if got[0].Error != "systemd: boom" || len(got[0].SkippedNames) != 1 || got[0].Dispatched != 14 {
				t.Fatalf("record fields lost: %+v", got[0])
			}
			if !got[0].At.Equal(base.Add(6 * time.Minute)) {
				t.Fatalf("At = %v", got[0].At)
			}

			all, err := st.RecentRuns(ctx, 0)
			if err != nil {
				t.Fatalf("RecentRuns(0): %v", err)
			}
			// sqlite prunes on every append; the file driver compacts once it
			// holds twice Keep records.
			if len(all) != d.retained {
				t.Fatalf("retained %d records, want %d", len(all), d.retained)
			}
			if all[0].ID != "run-6" {
				t.Fatalf("newest = %q", all[0].ID)
			}

			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen keeps what was written.
			st, err = Open(Config{Driver: d.driver, Path: path, Keep: 3}, nopLog)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			again, err := st.RecentRuns(ctx, 1)
			if err != nil || len(again) != 1 || again[0].ID != "run-6" {
				t.Fatalf("after reopen: %+v, %v", again, err)
			}
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.jsonl")}, nopLog)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.Close()
	if err := st.AppendRun(context.Background(), RunRecord{ID: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("AppendRun after Close = %v", err)
	}
}

func TestRecordFromReport(t *testing.T) {
	start := time.Now()
	rep := launchenv.Report{
		ID:         "job-1",
		Started:    start,
		Finished:   start.Add(40 * time.Millisecond),
		Vars:       3,
		Dispatched: 8,
		Failed:     1,
		NonStrict:  []string{"MULTI"},
		Errors: []*launchenv.RequestError{
			{Receiver: "klauncher", Member: "org.kde.KLauncher.setLaunchEnv", Err: errors.New("no such name")},
		},
	}
	rec := RecordFromReport(rep, "file")
	if rec.ID != "job-1" || rec.Trigger != "file" || rec.TookMS != 40 || rec.Failed != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Error == "" || len(rec.NonStrict) != 1 {
		t.Fatalf("record = %+v", rec)
	}
}
