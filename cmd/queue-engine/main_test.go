package main

import (
	"context"
	"path/filepath"
	"testing"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/store/memory"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestFeedGateBeforeReactor(t *testing.T) {
	gate := &feedGate{}
	if gate.Connected() {
		t.Fatal("gate without a reactor must report disconnected")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := config.Default()
	cfg.StoreBackend = config.BackendMemory
	logger, _ := test.NewNullLogger()

	st, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeStore()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenAuditBackends(t *testing.T) {
	st := memory.New(nil)

	cfg := config.Default()
	cfg.AuditBackend = config.AuditNone
	sink, reader, closeAudit, err := openAudit(cfg, st)
	if err != nil || sink != nil || reader != nil {
		t.Fatalf("expected disabled audit, got %v %v %v", sink, reader, err)
	}
	closeAudit()

	cfg.AuditBackend = config.AuditStore
	sink, reader, closeAudit, err = openAudit(cfg, st)
	if err != nil || sink == nil || reader == nil {
		t.Fatalf("expected store audit, got %v %v %v", sink, reader, err)
	}
	closeAudit()

	cfg.AuditBackend = config.AuditSQLite
	cfg.AuditSQLitePath = filepath.Join(t.TempDir(), "audit.db")
	sink, reader, closeAudit, err = openAudit(cfg, st)
	if err != nil || sink == nil || reader == nil {
		t.Fatalf("expected sqlite audit, got %v %v %v", sink, reader, err)
	}
	closeAudit()
}
