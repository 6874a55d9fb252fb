package storage

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "newsrelay/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}
	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	out["file"] = fs
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "relay.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = sq
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestFingerprintLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			rec := FingerprintRecord{
				Key:       "abc",
				ItemID:    "item-1",
				Shingles:  []uint64{1, 1 << 63, 42},
				CreatedAt: now,
				ExpiresAt: now.Add(time.Hour),
			}
			ok, err := st.PutFingerprintIfAbsent(ctx, rec, now)
			if err != nil || !ok {
				t.Fatalf("first put = %v, %v", ok, err)
			}
			dup := rec
			dup.ItemID = "item-2"
			ok, err = st.PutFingerprintIfAbsent(ctx, dup, now)
			if err != nil || ok {
				t.Fatalf("second put = %v, %v; want false", ok, err)
			}

			got, found, err := st.GetFingerprint(ctx, "abc")
			if err != nil || !found {
				t.Fatalf("get = %v, %v", found, err)
			}
			if got.ItemID != "item-1" || !reflect.DeepEqual(got.Shingles, rec.Shingles) {
				t.Fatalf("got %+v", got)
			}

			recent, err := st.RecentFingerprints(ctx, now.Add(-time.Minute), now, 10)
			if err != nil || len(recent) != 1 {
				t.Fatalf("recent = %v, %v", recent, err)
			}

			if err := st.DeleteFingerprint(ctx, "abc"); err != nil {
				t.Fatal(err)
			}
			if _, found, _ := st.GetFingerprint(ctx, "abc"); found {
				t.Fatal("fingerprint should be deleted")
			}
		})
	}
}

func TestExpiredFingerprintIsReplaceable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			past := time.Now().Add(-2 * time.Hour)
			old := FingerprintRecord{Key: "k", CreatedAt: past, ExpiresAt: past.Add(time.Hour)}
			if _, err := st.PutFingerprintIfAbsent(ctx, old, past); err != nil {
				t.Fatal(err)
			}
			keys, err := st.ExpiredFingerprints(ctx, time.Now(), 10)
			if err != nil || len(keys) != 1 || keys[0] != "k" {
				t.Fatalf("expired = %v, %v", keys, err)
			}
			fresh := FingerprintRecord{Key: "k", ItemID: "new", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
			ok, err := st.PutFingerprintIfAbsent(ctx, fresh, time.Now())
			if err != nil || !ok {
				t.Fatalf("put over expired = %v, %v", ok, err)
			}
		})
	}
}

func TestExpiryFollowsCallerClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			// records live in the future relative to the wall clock
			base := time.Now().Add(48 * time.Hour)
			rec := FingerprintRecord{Key: "k", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}
			if ok, err := st.PutFingerprintIfAbsent(ctx, rec, base); err != nil || !ok {
				t.Fatalf("put = %v, %v", ok, err)
			}
			if ok, _ := st.PutFingerprintIfAbsent(ctx, rec, base.Add(30*time.Minute)); ok {
				t.Fatal("record is unexpired at the caller's time")
			}
			recent, err := st.RecentFingerprints(ctx, base.Add(-time.Minute), base.Add(2*time.Hour), 10)
			if err != nil || len(recent) != 0 {
				t.Fatalf("recent past expiry = %v, %v", recent, err)
			}
			later := base.Add(2 * time.Hour)
			next := FingerprintRecord{Key: "k", ItemID: "again", CreatedAt: later, ExpiresAt: later.Add(time.Hour)}
			if ok, err := st.PutFingerprintIfAbsent(ctx, next, later); err != nil || !ok {
				t.Fatalf("put after caller-time expiry = %v, %v", ok, err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := st.PutFingerprintIfAbsent(ctx, FingerprintRecord{Key: k, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.DeleteFingerprint(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendJob(ctx, JobEntry{JobID: "j1", ItemID: "a", Platform: "telegram", State: "succeeded", Attempts: 1}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	for k, want := range map[string]bool{"a": true, "b": false, "c": true} {
		if _, found, _ := st.GetFingerprint(ctx, k); found != want {
			t.Fatalf("key %s found=%v want %v", k, found, want)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
