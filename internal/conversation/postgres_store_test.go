package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

func TestPostgresStore_PatchCreatesUnderLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockStateSQL)).WithArgs("1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT state FROM conversation_states").WithArgs("1").WillReturnRows(pgxmock.NewRows([]string{"state"}))
	mock.ExpectExec("INSERT INTO conversation_states").
		WithArgs("1", string(StageRapport), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	store := NewPostgresStore(mock, logging.New("error"))
	got, err := store.Patch(context.Background(), "1", Patch{Company: stringPtr("Acme")})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Company != "Acme" || got.Stage != StageRapport {
		t.Fatalf("unexpected state: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_PatchMergesExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	existing := NewState("1")
	existing.Company = "Acme"
	existing.QuestionsAsked = 2
	raw, _ := json.Marshal(existing)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockStateSQL)).WithArgs("1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT state FROM conversation_states").WithArgs("1").WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(raw))
	mock.ExpectExec("INSERT INTO conversation_states").
		WithArgs("1", string(StageRapport), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	store := NewPostgresStore(mock, logging.New("error"))
	got, err := store.Patch(context.Background(), "1", Patch{ContactName: stringPtr("Ana")})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Company != "Acme" || got.QuestionsAsked != 2 || got.Name() != "Ana" {
		t.Fatalf("expected merged state, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_PatchInvalidTransitionRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockStateSQL)).WithArgs("1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT state FROM conversation_states").WithArgs("1").WillReturnRows(pgxmock.NewRows([]string{"state"}))
	mock.ExpectRollback()

	store := NewPostgresStore(mock, logging.New("error"))
	if _, err := store.Patch(context.Background(), "1", StagePatch(StageClosed)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT state FROM conversation_states").WithArgs("1").WillReturnRows(pgxmock.NewRows([]string{"state"}))

	store := NewPostgresStore(mock, logging.New("error"))
	got, err := store.Get(context.Background(), "1")
	if err != nil || got != nil {
		t.Fatalf("expected nil state, got %+v, %v", got, err)
	}
}

func TestPostgresStore_GetCorruptReadsAsMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT state FROM conversation_states").WithArgs("1").WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow([]byte("{bad")))

	var logs bytes.Buffer
	store := NewPostgresStore(mock, logging.NewWithWriter("warn", &logs))
	got, err := store.Get(context.Background(), "1")
	if err != nil || got != nil {
		t.Fatalf("expected nil state, got %+v, %v", got, err)
	}
	if !strings.Contains(logs.String(), "stored state corrupt") {
		t.Fatalf("expected a corrupt-state warning, got %q", logs.String())
	}
}
