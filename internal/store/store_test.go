package store

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/batalabs/masix/internal/domain"

	_ "modernc.org/sqlite"
)

// testStore returns a Store backed by an in-memory SQLite database.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateJob(t *testing.T, s *Store, job CronJob) int64 {
	t.Helper()
	id, err := s.CreateCronJob(job)
	if err != nil {
		t.Fatalf("CreateCronJob: %v", err)
	}
	return id
}

func TestStore_migrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestStore_migrateLegacyCronTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE cron_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_by TEXT NOT NULL,
			schedule TEXT NOT NULL,
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			message TEXT NOT NULL,
			timezone TEXT DEFAULT '+00:00',
			recurring INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			last_run DATETIME,
			next_run DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO cron_jobs (created_by, schedule, channel, recipient, message, next_run)
		VALUES ('42', '2030-01-01T09:00:00Z', 'telegram', '42', 'legacy', '2030-01-01T09:00:00Z');
		CREATE TABLE channel_offsets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			account_tag TEXT NOT NULL,
			offset_value INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO channel_offsets (channel, account_tag, offset_value) VALUES ('telegram', '1', 10);
		INSERT INTO channel_offsets (channel, account_tag, offset_value) VALUES ('telegram', '1', 20);
	`); err != nil {
		t.Fatalf("seed legacy schema: %v", err)
	}

	s, err := NewFromDB(db)
	if err != nil {
		t.Fatalf("NewFromDB: %v", err)
	}

	jobs, err := s.ListCronJobs(domain.DefaultAccountTag, "")
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Message != "legacy" {
		t.Fatalf("legacy job not migrated to default tag: %+v", jobs)
	}

	off, ok, err := s.GetOffset("telegram", "1")
	if err != nil || !ok {
		t.Fatalf("GetOffset: %v ok=%v", err, ok)
	}
	if off != 20 {
		t.Errorf("duplicate offsets not collapsed to latest row: got %d", off)
	}
}

func TestStore_CronLifecycle(t *testing.T) {
	s := testStore(t)
	next := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)

	id := mustCreateJob(t, s, CronJob{
		AccountTag: "123",
		Channel:    domain.ChannelTelegram,
		Recipient:  "42",
		Schedule:   next.Format(time.RFC3339),
		Timezone:   "UTC",
		Message:    "Team sync",
		CreatedBy:  "42",
		NextRun:    next,
	})

	t.Run("get returns stored fields", func(t *testing.T) {
		job, err := s.GetCronJob(id)
		if err != nil {
			t.Fatalf("GetCronJob: %v", err)
		}
		if !job.Enabled || job.Recurring || job.AccountTag != "123" || !job.NextRun.Equal(next) {
			t.Errorf("unexpected job: %+v", job)
		}
	})

	t.Run("not due before next run", func(t *testing.T) {
		due, err := s.DueCronJobs(next.Add(-time.Minute), 0)
		if err != nil {
			t.Fatalf("DueCronJobs: %v", err)
		}
		if len(due) != 0 {
			t.Errorf("expected no due jobs, got %d", len(due))
		}
	})

	t.Run("due at next run", func(t *testing.T) {
		due, err := s.DueCronJobs(next, 0)
		if err != nil {
			t.Fatalf("DueCronJobs: %v", err)
		}
		if len(due) != 1 || due[0].ID != id {
			t.Errorf("expected job %d due, got %+v", id, due)
		}
	})

	t.Run("complete disables one-shot", func(t *testing.T) {
		if err := s.CompleteCronJob(id, next); err != nil {
			t.Fatalf("CompleteCronJob: %v", err)
		}
		job, _ := s.GetCronJob(id)
		if job.Enabled || job.LastRun == nil {
			t.Errorf("job not completed: %+v", job)
		}
		due, _ := s.DueCronJobs(next.Add(time.Hour), 0)
		if len(due) != 0 {
			t.Errorf("completed job still due")
		}
	})

	t.Run("missing job", func(t *testing.T) {
		if _, err := s.GetCronJob(9999); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetCronJob(missing) err = %v", err)
		}
	})
}

func TestStore_AdvanceCronJob(t *testing.T) {
	s := testStore(t)
	first := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	id := mustCreateJob(t, s, CronJob{
		AccountTag: "123", Channel: "telegram", Recipient: "42",
		Schedule: "0 9 * * *", Message: "daily", Recurring: true, NextRun: first,
	})
	if _, err := s.RecordCronFailure(id, "boom", 3); err != nil {
		t.Fatal(err)
	}

	second := first.Add(24 * time.Hour)
	if err := s.AdvanceCronJob(id, second, first); err != nil {
		t.Fatalf("AdvanceCronJob: %v", err)
	}
	job, _ := s.GetCronJob(id)
	if !job.Enabled || !job.NextRun.Equal(second) {
		t.Errorf("recurring job not advanced: %+v", job)
	}
	if job.ConsecutiveFailures != 0 || job.LastError != "" {
		t.Errorf("success should reset the failure counter: %+v", job)
	}
}

func TestStore_RecordCronFailure(t *testing.T) {
	s := testStore(t)
	id := mustCreateJob(t, s, CronJob{
		AccountTag: "123", Channel: "telegram", Recipient: "42",
		Schedule: "0 9 * * *", Message: "x", Recurring: true, NextRun: time.Now(),
	})

	for i := 1; i <= 3; i++ {
		disabled, err := s.RecordCronFailure(id, "network down", 3)
		if err != nil {
			t.Fatalf("RecordCronFailure #%d: %v", i, err)
		}
		if want := i == 3; disabled != want {
			t.Errorf("failure #%d: disabled = %v, want %v", i, disabled, want)
		}
	}
	job, _ := s.GetCronJob(id)
	if job.Enabled || !job.Flagged || job.ConsecutiveFailures != 3 || job.LastError != "network down" {
		t.Errorf("unexpected job after failures: %+v", job)
	}

	if _, err := s.RecordCronFailure(424242, "x", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job err = %v", err)
	}
}

func TestStore_ListCronJobs_scopedByTag(t *testing.T) {
	s := testStore(t)
	at := time.Now().Add(time.Hour)
	a := mustCreateJob(t, s, CronJob{AccountTag: "123", Channel: "telegram", Recipient: "1", Schedule: "s", Message: "a", NextRun: at})
	mustCreateJob(t, s, CronJob{AccountTag: "123", Channel: "telegram", Recipient: "2", Schedule: "s", Message: "b", NextRun: at})
	mustCreateJob(t, s, CronJob{AccountTag: "456", Channel: "telegram", Recipient: "1", Schedule: "s", Message: "c", NextRun: at})

	tests := []struct {
		name      string
		tag       string
		recipient string
		want      int
	}{
		{"whole account", "123", "", 2},
		{"one recipient", "123", "1", 1},
		{"other account", "456", "", 1},
		{"unknown account", "789", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListCronJobs(tt.tag, tt.recipient)
			if err != nil {
				t.Fatalf("ListCronJobs: %v", err)
			}
			if len(jobs) != tt.want {
				t.Fatalf("got %d jobs, want %d", len(jobs), tt.want)
			}
			for _, j := range jobs {
				if j.AccountTag != tt.tag {
					t.Errorf("job %d leaked from account %s", j.ID, j.AccountTag)
				}
			}
		})
	}

	t.Run("disable requires owning tag", func(t *testing.T) {
		ok, err := s.DisableCronJob(a, "456")
		if err != nil || ok {
			t.Fatalf("foreign disable = %v, %v", ok, err)
		}
		ok, err = s.DisableCronJob(a, "123")
		if err != nil || !ok {
			t.Fatalf("owner disable = %v, %v", ok, err)
		}
		ok, _ = s.DisableCronJob(a, "123")
		if ok {
			t.Error("disabling twice should report false")
		}
		n, _ := s.CountEnabledCronJobs("123")
		if n != 1 {
			t.Errorf("CountEnabledCronJobs = %d, want 1", n)
		}
	})
}

func TestStore_emptyTagBecomesDefault(t *testing.T) {
	s := testStore(t)
	id := mustCreateJob(t, s, CronJob{Channel: "telegram", Recipient: "1", Schedule: "s", Message: "m", NextRun: time.Now()})
	job, _ := s.GetCronJob(id)
	if job.AccountTag != domain.DefaultAccountTag {
		t.Errorf("AccountTag = %q", job.AccountTag)
	}
}

func TestStore_Offsets(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.GetOffset("telegram", "1"); err != nil || ok {
		t.Fatalf("fresh offset = ok %v err %v", ok, err)
	}

	steps := []struct {
		save int64
		want int64
	}{
		{100, 100},
		{150, 150},
		{120, 150}, // never moves backwards
		{151, 151},
	}
	for _, st := range steps {
		if err := s.SaveOffset("telegram", "1", st.save); err != nil {
			t.Fatalf("SaveOffset(%d): %v", st.save, err)
		}
		got, ok, err := s.GetOffset("telegram", "1")
		if err != nil || !ok || got != st.want {
			t.Errorf("after SaveOffset(%d) got %d (ok=%v err=%v), want %d", st.save, got, ok, err, st.want)
		}
	}

	if _, ok, _ := s.GetOffset("telegram", "2"); ok {
		t.Error("offsets must be scoped per account")
	}
}

func TestStore_ACL(t *testing.T) {
	s := testStore(t)

	t.Run("register exactly once", func(t *testing.T) {
		created, err := s.RegisterACLUser("telegram", "1", "555", "auto_register")
		if err != nil || !created {
			t.Fatalf("first register = %v, %v", created, err)
		}
		created, err = s.RegisterACLUser("telegram", "1", "555", "auto_register")
		if err != nil || created {
			t.Fatalf("second register = %v, %v", created, err)
		}
		role, ok, _ := s.GetACLRole("telegram", "1", "555")
		if !ok || role != domain.RoleUser {
			t.Errorf("role = %v ok=%v", role, ok)
		}
	})

	t.Run("register never downgrades", func(t *testing.T) {
		if err := s.PutACLRole("telegram", "1", "777", domain.RoleAdmin, "admin:1"); err != nil {
			t.Fatal(err)
		}
		if created, _ := s.RegisterACLUser("telegram", "1", "777", "auto_register"); created {
			t.Error("existing admin re-registered")
		}
		role, _, _ := s.GetACLRole("telegram", "1", "777")
		if role != domain.RoleAdmin {
			t.Errorf("role = %v, want admin", role)
		}
	})

	t.Run("scoped per account", func(t *testing.T) {
		if _, ok, _ := s.GetACLRole("telegram", "2", "555"); ok {
			t.Error("role leaked across accounts")
		}
	})

	t.Run("list and remove", func(t *testing.T) {
		entries, err := s.ListACL("telegram", "1")
		if err != nil || len(entries) != 2 {
			t.Fatalf("ListACL = %+v, %v", entries, err)
		}
		removed, err := s.RemoveACLUser("telegram", "1", "555")
		if err != nil || !removed {
			t.Fatalf("RemoveACLUser = %v, %v", removed, err)
		}
		removed, _ = s.RemoveACLUser("telegram", "1", "555")
		if removed {
			t.Error("second remove should report false")
		}
	})
}

func TestStore_RegisterACLUser_concurrent(t *testing.T) {
	s := testStore(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.RegisterACLUser("telegram", "1", "900", "auto_register")
			if err != nil {
				t.Errorf("RegisterACLUser: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
}

func TestStore_ToolPolicy(t *testing.T) {
	s := testStore(t)
	p, err := s.GetToolPolicy("telegram", "1")
	if err != nil || p != nil {
		t.Fatalf("empty policy = %+v, %v", p, err)
	}
	if err := s.PutToolPolicy("telegram", "1", ToolPolicy{Mode: "selected", Allowed: []string{"fs_read"}}); err != nil {
		t.Fatal(err)
	}
	p, err = s.GetToolPolicy("telegram", "1")
	if err != nil || p == nil || p.Mode != "selected" || len(p.Allowed) != 1 || p.Allowed[0] != "fs_read" {
		t.Fatalf("policy = %+v, %v", p, err)
	}
	if err := s.DeleteToolPolicy("telegram", "1"); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.GetToolPolicy("telegram", "1"); p != nil {
		t.Errorf("policy not deleted: %+v", p)
	}
}

func TestStore_Conversation(t *testing.T) {
	s := testStore(t)
	add := func(key, role, content string) {
		t.Helper()
		err := s.AppendConversation(ConversationMessage{
			Channel: "telegram", AccountTag: "1", ChatID: "42", EventKey: key, Role: role, Content: content,
		})
		if err != nil {
			t.Fatalf("AppendConversation: %v", err)
		}
	}

	add("e1", "user", "hello")
	add("e1", "assistant", "hi")
	add("e2", "user", "how are you")
	add("e2", "assistant", "fine")
	// Reprocessing e2 replaces its entries instead of appending.
	add("e2", "assistant", "fine, thanks")

	msgs, err := s.RecentConversation("telegram", "1", "42", 10)
	if err != nil {
		t.Fatalf("RecentConversation: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[3].Content != "fine, thanks" {
		t.Errorf("unexpected order/content: %+v", msgs)
	}

	last, _ := s.RecentConversation("telegram", "1", "42", 2)
	if len(last) != 2 || last[0].Content != "how are you" {
		t.Errorf("limit should keep the newest entries oldest-first: %+v", last)
	}

	if err := s.ClearConversation("telegram", "1", "42"); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.RecentConversation("telegram", "1", "42", 10)
	if len(msgs) != 0 {
		t.Errorf("history not cleared: %d", len(msgs))
	}
}

func TestStore_BotMeta(t *testing.T) {
	s := testStore(t)
	if _, ok, _ := s.GetBotMeta("1", "username"); ok {
		t.Fatal("unexpected meta")
	}
	if err := s.SetBotMeta("1", "username", "a_bot"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBotMeta("1", "username", "b_bot"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetBotMeta("1", "username")
	if err != nil || !ok || v != "b_bot" {
		t.Errorf("GetBotMeta = %q %v %v", v, ok, err)
	}
}

func TestStore_RecordEvent(t *testing.T) {
	tests := []struct {
		name   string
		events []EventRecord
		want   int
	}{
		{
			name: "same event recorded again",
			events: []EventRecord{
				{Channel: "telegram", AccountTag: "1", MessageID: "m1", ChatID: "42", Content: "hi"},
				{Channel: "telegram", AccountTag: "1", MessageID: "m1", ChatID: "42", Content: "hi"},
				{Channel: "telegram", AccountTag: "1", MessageID: "m1", ChatID: "42", Content: "hi"},
			},
			want: 1,
		},
		{
			name: "same message id in different chats",
			events: []EventRecord{
				{Channel: "telegram", AccountTag: "1", MessageID: "7", ChatID: "100", Content: "a"},
				{Channel: "telegram", AccountTag: "1", MessageID: "7", ChatID: "200", Content: "b"},
			},
			want: 2,
		},
		{
			name: "other account not counted",
			events: []EventRecord{
				{Channel: "telegram", AccountTag: "1", MessageID: "7", ChatID: "100"},
				{Channel: "telegram", AccountTag: "2", MessageID: "7", ChatID: "100"},
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			for _, ev := range tt.events {
				if err := s.RecordEvent(ev); err != nil {
					t.Fatalf("RecordEvent: %v", err)
				}
			}
			n, err := s.CountEvents("telegram", "1")
			if err != nil || n != tt.want {
				t.Errorf("CountEvents = %d, %v; want %d", n, err, tt.want)
			}
		})
	}
}

func TestStore_migrateKeepsLegacyEvents(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT,
			from_user TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO events (channel, message_id, chat_id, content) VALUES ('telegram', '7', '100', 'a');
		INSERT INTO events (channel, message_id, chat_id, content) VALUES ('telegram', '7', '200', 'b');
		INSERT INTO events (channel, message_id, chat_id, content) VALUES ('telegram', '7', '300', 'c');
	`); err != nil {
		t.Fatalf("seed legacy schema: %v", err)
	}

	s, err := NewFromDB(db)
	if err != nil {
		t.Fatalf("NewFromDB: %v", err)
	}
	if n, err := s.CountEvents("telegram", ""); err != nil || n != 3 {
		t.Errorf("legacy events after migrate = %d, %v; want 3", n, err)
	}
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	// New rows are still deduplicated next to the legacy ones.
	ev := EventRecord{Channel: "telegram", MessageID: "7", ChatID: "100", Content: "again"}
	for i := 0; i < 2; i++ {
		if err := s.RecordEvent(ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	if n, err := s.CountEvents("telegram", ""); err != nil || n != 4 {
		t.Errorf("events = %d, %v; want 4", n, err)
	}
}
